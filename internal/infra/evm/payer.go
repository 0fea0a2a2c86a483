// Package evm sends ERC-20 reward payouts on EVM chains. It signs token
// transfer transactions with the treasury key and submits them through a
// JSON-RPC client.
package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const erc20ABI = `[{"name":"transfer","type":"function","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}]`

// transferGasFallback is used when gas estimation fails; plain ERC-20
// transfers stay well under it.
const transferGasFallback = 100_000

// IsWalletAddress reports whether s is a well-formed EVM address.
func IsWalletAddress(s string) bool { return common.IsHexAddress(s) }

// ChainPayer signs and submits ERC-20 transfers from the treasury account.
type ChainPayer struct {
	client  *ethclient.Client
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
	abi     abi.ABI
	logger  *zap.Logger
}

// Dial connects to an EVM JSON-RPC endpoint and prepares the treasury
// signer. privateKeyHex is the treasury key without the 0x prefix.
func Dial(ctx context.Context, rpcURL, privateKeyHex string, chainID int64, logger *zap.Logger) (*ChainPayer, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse treasury key: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}

	return &ChainPayer{
		client:  client,
		key:     key,
		from:    crypto.PubkeyToAddress(key.PublicKey),
		chainID: big.NewInt(chainID),
		abi:     parsed,
		logger:  logger.Named("evm"),
	}, nil
}

// Close releases the RPC connection.
func (p *ChainPayer) Close() { p.client.Close() }

// Transfer sends amount tokens (human units, converted with decimals) from
// the treasury to recipient and returns the transaction hash.
func (p *ChainPayer) Transfer(ctx context.Context, tokenAddress, recipient string, amount float64, decimals int32) (string, error) {
	if !common.IsHexAddress(tokenAddress) {
		return "", fmt.Errorf("invalid token address %q", tokenAddress)
	}
	if !common.IsHexAddress(recipient) {
		return "", fmt.Errorf("invalid recipient address %q", recipient)
	}

	token := common.HexToAddress(tokenAddress)
	to := common.HexToAddress(recipient)
	units := baseUnits(amount, decimals)

	data, err := p.abi.Pack("transfer", to, units)
	if err != nil {
		return "", fmt.Errorf("pack transfer: %w", err)
	}

	nonce, err := p.client.PendingNonceAt(ctx, p.from)
	if err != nil {
		return "", fmt.Errorf("fetch nonce: %w", err)
	}
	gasPrice, err := p.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("suggest gas price: %w", err)
	}

	gas, err := p.client.EstimateGas(ctx, ethereum.CallMsg{From: p.from, To: &token, Data: data})
	if err != nil {
		gas = transferGasFallback
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &token,
		Value:    big.NewInt(0),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(p.chainID), p.key)
	if err != nil {
		return "", fmt.Errorf("sign transfer: %w", err)
	}
	if err := p.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("send transfer: %w", err)
	}

	hash := signed.Hash().Hex()
	p.logger.Info("erc20 transfer submitted",
		zap.String("token", tokenAddress),
		zap.String("to", recipient),
		zap.Float64("amount", amount),
		zap.String("tx", hash))
	return hash, nil
}

// baseUnits converts a human-readable amount to the token's smallest unit.
// Decimal arithmetic avoids float drift before the big.Int truncation.
func baseUnits(amount float64, decimals int32) *big.Int {
	return decimal.NewFromFloat(amount).Mul(decimal.New(1, decimals)).BigInt()
}
