package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// etherDecimals 链上基础货币的小数位数。
const etherDecimals = 18

var weiPerEther = new(big.Int).Exp(big.NewInt(10), big.NewInt(etherDecimals), nil)

// ParseEther 将十进制 ETH 字符串（如 "0.05"）转换为 wei。
//
// 小数位超过 18 位、负数或非法字符均视为错误，绝不截断金额。
func ParseEther(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty amount")
	}
	if strings.HasPrefix(s, "-") {
		return nil, fmt.Errorf("negative amount: %s", s)
	}

	intPart := s
	fracPart := ""
	if idx := strings.IndexByte(s, '.'); idx >= 0 {
		intPart = s[:idx]
		fracPart = s[idx+1:]
	}
	if intPart == "" && fracPart == "" {
		return nil, fmt.Errorf("invalid amount: %s", s)
	}
	// 两部分都只允许裸数字；SetString 会吞掉 "+"/"-"，不能靠它兜底
	if !isDigits(intPart) || !isDigits(fracPart) {
		return nil, fmt.Errorf("invalid amount: %s", s)
	}
	if intPart == "" {
		intPart = "0"
	}
	if len(fracPart) > etherDecimals {
		return nil, fmt.Errorf("amount has more than %d decimal places: %s", etherDecimals, s)
	}

	whole, ok := new(big.Int).SetString(intPart, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount: %s", s)
	}
	wei := new(big.Int).Mul(whole, weiPerEther)

	if fracPart != "" {
		frac, ok := new(big.Int).SetString(fracPart, 10)
		if !ok {
			return nil, fmt.Errorf("invalid amount: %s", s)
		}
		scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(etherDecimals-len(fracPart))), nil)
		wei.Add(wei, frac.Mul(frac, scale))
	}
	return wei, nil
}

// isDigits 判断字符串是否只含 0-9（空串视为合法，由调用方决定语义）。
func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// FormatEther 将 wei 转换为十进制 ETH 字符串，去掉末尾无效零。
func FormatEther(wei *big.Int) string {
	if wei == nil || wei.Sign() == 0 {
		return "0"
	}

	quo, rem := new(big.Int).QuoRem(wei, weiPerEther, new(big.Int))
	if rem.Sign() == 0 {
		return quo.String()
	}

	frac := fmt.Sprintf("%018s", rem.String())
	frac = strings.TrimRight(frac, "0")
	return quo.String() + "." + frac
}
