// Copyright 2026 The dimd Authors
// This file is part of the dimd library.
//
// The dimd library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The dimd library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the dimd library. If not, see <http://www.gnu.org/licenses/>.

// dimd is the relay station daemon.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/dimchat/dimd/node"
	"github.com/dimchat/dimd/protocol"
)

const (
	exitOK = iota
	exitRuntime
	exitConfig
	exitBind
)

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "path of the station configuration file",
		Value:   "station.yml",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "logging verbosity (0=crit .. 5=trace)",
		Value: 3,
	}
	seedFlag = &cli.StringFlag{
		Name:  "seed",
		Usage: "name part of the station identifier",
		Value: "gsp-s001",
	}
)

func main() {
	app := &cli.App{
		Name:   "dimd",
		Usage:  "decentralized instant messaging relay station",
		Flags:  []cli.Flag{configFlag, verbosityFlag},
		Action: run,
		Commands: []*cli.Command{
			{
				Name:   "genkey",
				Usage:  "generate a station key and print the derived identifier",
				Flags:  []cli.Flag{seedFlag},
				Action: genkey,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		code := exitRuntime
		var ec *exitError
		if errors.As(err, &ec) {
			code = ec.code
		}
		fmt.Fprintln(os.Stderr, "dimd:", err)
		os.Exit(code)
	}
}

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func setupLogging(ctx *cli.Context) {
	level := log.FromLegacyLevel(ctx.Int(verbosityFlag.Name))
	handler := log.NewTerminalHandlerWithLevel(os.Stderr, level, false)
	log.SetDefault(log.NewLogger(handler))
}

func run(ctx *cli.Context) error {
	setupLogging(ctx)

	cfg, err := node.LoadConfig(ctx.String(configFlag.Name))
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}
	s, err := node.New(cfg, nil)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := s.Run(runCtx); err != nil {
		if strings.Contains(err.Error(), "bind") {
			return &exitError{code: exitBind, err: err}
		}
		return err
	}
	return nil
}

// genkey prints a fresh private key with the station identifier it derives,
// ready to paste into the configuration file.
func genkey(ctx *cli.Context) error {
	seed := ctx.String(seedFlag.Name)
	priv, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	meta, err := protocol.NewMeta(seed, priv)
	if err != nil {
		return err
	}
	id := meta.GenerateID(protocol.NetworkStation)
	fmt.Printf("id:  %s\nkey: %s\n", id, hex.EncodeToString(crypto.FromECDSA(priv)))
	return nil
}
