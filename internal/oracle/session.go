package oracle

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Session 表示一个可签名交易的链上身份。
//
// 写入类合约调用都要求显式传入 Session，不存在进程级的全局签名者；
// 同一个 Client 可以被任意多个 Session 并发使用。
type Session struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
}

// NewSession 从十六进制私钥构造签名会话。
func NewSession(hexKey string, chainID int64) (*Session, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, fmt.Errorf("empty private key")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Session{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		chainID: big.NewInt(chainID),
	}, nil
}

// Address 返回该会话对应的链上地址。
func (s *Session) Address() common.Address {
	return s.address
}

func (s *Session) transactOpts() (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(s.key, s.chainID)
	if err != nil {
		return nil, fmt.Errorf("build transactor: %w", err)
	}
	return opts, nil
}
