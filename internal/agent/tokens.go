package agent

import "strings"

// knownMints maps common token symbols to their mainnet mint
// addresses. Symbols outside this table stay unresolved and force the
// call through confirmation so the user can supply the mint.
var knownMints = map[string]string{
	"SOL":  "So11111111111111111111111111111111111111112",
	"USDC": "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
	"USDT": "Es9vMFrzaCERmJfrF4H2FYD4KCoNkY11McCe8BenwNYB",
	"JUP":  "JUPyiwrYJFskUPiHa7hkeR8VUtAeFoSYbKedZNsDvCN",
	"BONK": "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263",
	"WIF":  "EKpQGSJtjMFqKZ9KQanSqYXRcF8fBopzLHYxdM65zcjm",
	"JTO":  "jtojtomepa8beP8AuQc6eXt5FriJwfFMwQx2v2f9mCL",
	"PYTH": "HZ1JovNiVvGrGNiiYvEozEVgZ58xaU3RKwX8eACQBCt3",
}

func resolveMint(symbol string) (string, bool) {
	mint, ok := knownMints[strings.ToUpper(strings.TrimSpace(symbol))]
	return mint, ok
}

// resolveTokenArgs fills in mint addresses for any {token, mint}
// object in args whose mint is missing but whose symbol is known.
// Returns the resolved args (a new map) and whether anything changed.
func resolveTokenArgs(args map[string]any) (map[string]any, bool) {
	if len(args) == 0 {
		return args, false
	}
	resolved := make(map[string]any, len(args))
	changed := false
	for key, value := range args {
		tokenObj, ok := value.(map[string]any)
		if !ok {
			resolved[key] = value
			continue
		}
		symbol, _ := tokenObj["token"].(string)
		mint, _ := tokenObj["mint"].(string)
		if symbol != "" && mint == "" {
			if resolvedMint, found := resolveMint(symbol); found {
				copied := make(map[string]any, len(tokenObj)+1)
				for k, v := range tokenObj {
					copied[k] = v
				}
				copied["mint"] = resolvedMint
				resolved[key] = copied
				changed = true
				continue
			}
		}
		resolved[key] = tokenObj
	}
	return resolved, changed
}
