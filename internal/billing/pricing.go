package billing

import (
	"fmt"

	"github.com/spf13/viper"

	"vaultchat/internal/money"
)

// pricingFileEntry mirrors one model's row in the pricing table file named
// by config's billing.pricing_table_path, decoded with the same viper
// machinery pkg/config already uses rather than introducing a second
// parsing library for one small file.
type pricingFileEntry struct {
	Model                 string  `mapstructure:"model"`
	InputPriceCentsPer1K  float64 `mapstructure:"input_price_cents_per_1k"`
	OutputPriceCentsPer1K float64 `mapstructure:"output_price_cents_per_1k"`
	CharsPerTokenEstimate float64 `mapstructure:"chars_per_token_estimate"`
}

// LoadPricingTable reads the per-model pricing table at path (YAML or JSON,
// viper infers from the extension) into the map Calculate* methods key
// pricing lookups by.
func LoadPricingTable(path string) (map[string]ModelPricing, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("billing: load pricing table %s: %w", path, err)
	}

	var entries []pricingFileEntry
	if err := v.UnmarshalKey("models", &entries); err != nil {
		return nil, fmt.Errorf("billing: parse pricing table %s: %w", path, err)
	}

	table := make(map[string]ModelPricing, len(entries))
	for _, e := range entries {
		table[e.Model] = ModelPricing{
			Model:                 e.Model,
			InputPricePerToken:    money.FromCents(1).MulFloat(e.InputPriceCentsPer1K / 1000),
			OutputPricePerToken:   money.FromCents(1).MulFloat(e.OutputPriceCentsPer1K / 1000),
			CharsPerTokenEstimate: e.CharsPerTokenEstimate,
		}
	}
	return table, nil
}
