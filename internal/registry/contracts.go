package registry

import "github.com/ethereum/go-ethereum/common"

// Token is a well-known ERC20 on a forked chain together with an account that
// holds enough of it to fund test wallets.
type Token struct {
	Symbol   string
	Address  common.Address
	Decimals uint8
	Whale    common.Address
}

var tokensByChainID = map[int64][]Token{
	1: {
		{
			Symbol:   "USDC",
			Address:  common.HexToAddress("0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"),
			Decimals: 6,
			Whale:    common.HexToAddress("0x47ac0Fb4F2D84898e4D9E7b4DaB3C24507a6D503"),
		},
		{
			Symbol:   "WETH",
			Address:  common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"),
			Decimals: 18,
			Whale:    common.HexToAddress("0x8EB8a3b98659Cce290402893d0123abb75E3ab28"),
		},
	},
}

// LookupToken resolves a token by symbol (case-sensitive) on the given chain.
func LookupToken(chainID int64, symbol string) (Token, bool) {
	for _, token := range tokensByChainID[chainID] {
		if token.Symbol == symbol {
			return token, true
		}
	}
	return Token{}, false
}

func Tokens(chainID int64) []Token {
	return append([]Token(nil), tokensByChainID[chainID]...)
}
