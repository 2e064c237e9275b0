// Copyright (C) 2024, the gear authors. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"flag"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	versionKey      = "version"
	apiAddrKey      = "api-addr"
	tickIntervalKey = "tick-interval"
	expiryTicksKey  = "expiry-ticks"
	maxPagesKey     = "max-pages"
	setupCostKey    = "setup-cost"
	allocCostKey    = "alloc-cost"
	accessCostKey   = "access-cost"
)

func buildFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("gear", flag.ContinueOnError)

	fs.Bool(versionKey, false, "If true, prints version and quits")
	fs.String(apiAddrKey, ":9650", "Address the JSON-RPC API listens on")
	fs.Duration(tickIntervalKey, time.Second, "Wall-clock duration of one logical tick")
	fs.Uint64(expiryTicksKey, 64, "Ticks a parked invocation may wait for a reply")
	fs.Uint64(maxPagesKey, 512, "Memory pages a program may hold")
	fs.Uint64(setupCostKey, 250, "Gas charged when a handling attempt starts")
	fs.Uint64(allocCostKey, 1000, "Gas charged when a page is first allocated")
	fs.Uint64(accessCostKey, 100, "Gas charged per page touched per attempt")

	return fs
}

// getViper returns the viper environment for the node binary
func getViper() (*viper.Viper, error) {
	v := viper.New()

	fs := buildFlagSet()
	pflag.CommandLine.AddGoFlagSet(fs)
	pflag.Parse()
	if err := v.BindPFlags(pflag.CommandLine); err != nil {
		return nil, err
	}

	return v, nil
}
