package app

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/R3E-Network/treasury_layer/internal/chain"
	"github.com/R3E-Network/treasury_layer/internal/config"
	"github.com/R3E-Network/treasury_layer/internal/network"
	"github.com/R3E-Network/treasury_layer/internal/network/evm"
	"github.com/R3E-Network/treasury_layer/internal/network/neo"
	"github.com/R3E-Network/treasury_layer/internal/network/simnet"
	"github.com/R3E-Network/treasury_layer/internal/network/utxo"
)

// BuildNetworks creates an adapter for every configured network.
func BuildNetworks(ctx context.Context, file *config.File) (*network.Registry, error) {
	reg := network.NewRegistry()
	for _, nc := range file.Networks {
		adapter, err := buildAdapter(ctx, nc)
		if err != nil {
			return nil, fmt.Errorf("network %s: %w", nc.Name, err)
		}
		reg.Register(adapter)
	}
	return reg, nil
}

func buildAdapter(ctx context.Context, nc config.NetworkConfig) (network.Adapter, error) {
	switch nc.Family {
	case config.FamilySimnet:
		tokens := make(map[string]int32, len(nc.Tokens))
		for symbol, t := range nc.Tokens {
			tokens[symbol] = t.Decimals
		}
		return simnet.New(simnet.Config{
			Name:             nc.Name,
			NativeSymbol:     nc.NativeCurrency,
			NativeDecimals:   nc.NativeDecimals,
			Tokens:           tokens,
			DefaultCurrency:  nc.DefaultCurrency,
			MinConfirmations: nc.MinConfirmations,
		}), nil

	case config.FamilyEVM:
		client, err := ethclient.DialContext(ctx, nc.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("dial rpc: %w", err)
		}
		tokens := make(map[string]evm.Token, len(nc.Tokens))
		for symbol, t := range nc.Tokens {
			tokens[symbol] = evm.Token{Contract: t.Contract, Decimals: t.Decimals}
		}
		return evm.New(evm.Config{
			Name:             nc.Name,
			ChainID:          nc.ChainID,
			NativeSymbol:     nc.NativeCurrency,
			Tokens:           tokens,
			DefaultCurrency:  nc.DefaultCurrency,
			MinConfirmations: nc.MinConfirmations,
		}, client), nil

	case config.FamilyNeo:
		client, err := chain.NewClient(chain.Config{RPCURL: nc.RPCURL, NetworkID: nc.NetworkMagic})
		if err != nil {
			return nil, err
		}
		tokens := make(map[string]neo.Token, len(nc.Tokens))
		for symbol, t := range nc.Tokens {
			tokens[symbol] = neo.Token{Contract: t.Contract, Decimals: t.Decimals}
		}
		return neo.NewWithClient(neo.Config{
			Name:             nc.Name,
			Tokens:           tokens,
			DefaultCurrency:  nc.DefaultCurrency,
			MinConfirmations: nc.MinConfirmations,
		}, client), nil

	case config.FamilyUTXO:
		symbol, decimals := nc.NativeCurrency, nc.NativeDecimals
		if symbol == "" {
			symbol = "BTC"
		}
		if decimals == 0 {
			decimals = 8
		}
		return utxo.New(nc.Name, symbol, decimals), nil
	}
	return nil, fmt.Errorf("unknown family %q", nc.Family)
}
