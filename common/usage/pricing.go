// Copyright 2025 IdeaVault
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package usage

import "fmt"

// OpenAI pricing as of August 2026. Prices are millicents per 1K
// tokens, USD. 1 millicent = $0.00001.

// ModelPricing contains pricing for a specific model
type ModelPricing struct {
	PromptMillicentsPer1K     int
	CompletionMillicentsPer1K int
}

// modelPricing maps provider-model combinations to pricing
var modelPricing = map[string]ModelPricing{
	"openai-gpt-4o":         {250, 1000}, // $0.0025/$0.0100 per 1K tokens
	"openai-gpt-4o-mini":    {15, 60},    // $0.00015/$0.00060 per 1K tokens
	"openai-gpt-4.1":        {200, 800},  // $0.0020/$0.0080 per 1K tokens
	"openai-gpt-4.1-mini":   {40, 160},   // $0.0004/$0.0016 per 1K tokens
	"openai-gpt-3.5-turbo":  {50, 150},   // $0.0005/$0.0015 per 1K tokens

	// Fallback for unknown models, deliberately conservative
	"default": {250, 1000},
}

// CalculateCost returns the cost in millicents for one model call.
func CalculateCost(provider, model string, promptTokens, completionTokens int) int {
	key := provider + "-" + model
	pricing, ok := modelPricing[key]
	if !ok {
		pricing = modelPricing["default"]
	}

	promptCost := (promptTokens * pricing.PromptMillicentsPer1K) / 1000
	completionCost := (completionTokens * pricing.CompletionMillicentsPer1K) / 1000

	return promptCost + completionCost
}

// GetModelPricing returns the pricing for a provider-model combination.
func GetModelPricing(provider, model string) (ModelPricing, bool) {
	pricing, ok := modelPricing[provider+"-"+model]
	return pricing, ok
}

// FormatCostToDollars converts millicents to a dollar string, e.g.
// 135 millicents -> "$0.00135".
func FormatCostToDollars(millicents int) string {
	return fmt.Sprintf("$%.5f", float64(millicents)/100000.0)
}
