package tools

const (
	ToolsetTrading    = "trading"
	ToolsetAccounts   = "accounts"
	ToolsetMarket     = "market"
	ToolsetScheduling = "scheduling"
)

func tokenSchema(description string) *Schema {
	schema := Object(map[string]*Schema{
		"token": String("token symbol, e.g. SOL"),
		"mint":  String("resolved mint address"),
	}, "token")
	schema.Description = description
	return schema
}

// Builtin returns the full descriptor set. The registry filters it by
// operator config and satisfied capabilities.
func Builtin() []Descriptor {
	return []Descriptor{
		{
			Name:        "swap_tokens",
			Description: "Swap one token for another at the best available route.",
			Toolset:     ToolsetTrading,
			Action:      "swap",
			Confirm:     true,
			Parameters: Object(map[string]*Schema{
				"inputAmount": Number("amount of the input token to swap"),
				"inputToken":  tokenSchema("token to sell"),
				"outputToken": tokenSchema("token to buy"),
				"slippageBps": Number("max slippage in basis points"),
			}, "inputAmount", "inputToken", "outputToken"),
			UpdateParameters: Object(map[string]*Schema{
				"inputAmount": Number("new amount of the input token"),
				"inputToken":  tokenSchema("new token to sell"),
				"outputToken": tokenSchema("new token to buy"),
				"slippageBps": Number("new max slippage in basis points"),
			}),
			RequiredCapabilities: []string{"wallet", "action-runner"},
		},
		{
			Name:        "transfer_tokens",
			Description: "Transfer tokens to another wallet address.",
			Toolset:     ToolsetTrading,
			Action:      "transfer",
			Confirm:     true,
			Parameters: Object(map[string]*Schema{
				"amount":    Number("amount to transfer"),
				"token":     tokenSchema("token to transfer"),
				"recipient": String("destination wallet address"),
			}, "amount", "token", "recipient"),
			UpdateParameters: Object(map[string]*Schema{
				"amount":    Number("new amount to transfer"),
				"recipient": String("new destination wallet address"),
			}),
			RequiredCapabilities: []string{"wallet", "action-runner"},
		},
		{
			Name:        "create_account",
			Description: "Create a token account for the user's wallet.",
			Toolset:     ToolsetAccounts,
			Action:      "create_account",
			Confirm:     true,
			Parameters: Object(map[string]*Schema{
				"token": tokenSchema("token the account will hold"),
			}, "token"),
			RequiredCapabilities: []string{"wallet", "action-runner"},
		},
		{
			Name:        "resolve_token",
			Description: "Resolve a token symbol to its mint address and metadata.",
			Toolset:     ToolsetMarket,
			Action:      "resolve_token",
			Parameters: Object(map[string]*Schema{
				"symbol": String("token symbol to resolve"),
			}, "symbol"),
			RequiredCapabilities: []string{"action-runner"},
		},
		{
			Name:        "get_market_price",
			Description: "Fetch the current market price for a token pair.",
			Toolset:     ToolsetMarket,
			Action:      "market_price",
			Parameters: Object(map[string]*Schema{
				"baseToken":  tokenSchema("base token"),
				"quoteToken": tokenSchema("quote token"),
			}, "baseToken", "quoteToken"),
			RequiredCapabilities: []string{"action-runner"},
		},
		{
			Name:        "schedule_action",
			Description: "Schedule a recurring action, e.g. a daily swap.",
			Toolset:     ToolsetScheduling,
			Action:      "schedule_action",
			Confirm:     true,
			Parameters: Object(map[string]*Schema{
				"name":     String("human-readable name for the schedule"),
				"action":   &Schema{Type: "string", Description: "action to run on schedule", Enum: []string{"swap", "transfer"}},
				"args":     Object(map[string]*Schema{}),
				"cronSpec": String("cron expression, e.g. 0 9 * * *"),
			}, "name", "action", "cronSpec"),
			RequiredCapabilities: []string{"wallet", "action-runner"},
		},
	}
}
