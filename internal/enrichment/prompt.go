package enrichment

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/zombor/receipt-pipeline/internal/receipt"
)

const alternativeShape = `{
      "storeName": "store name",
      "price": number (in %[1]s),
      "savings": number (current price - alternative price),
      "savingsPercent": number (savings / current price * 100),
      "availability": "online" or "local" or "both",
      "location": "address or region (for local shops)" or null,
      "url": "product URL (for online retailers)" or null
    }`

const rules = `Important:
- Return ONLY cheaper alternatives (price must be less than the current price)
- Prices should be realistic and based on current market prices
- For online retailers, provide a URL if possible
- For local shops, provide location information
- Sort results by savings (highest savings first)
- Return ONLY valid JSON, no additional text or explanations`

func price(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// itemPrompt asks for cheaper alternatives to a single product
func itemPrompt(item receipt.Item, currency string) string {
	var b strings.Builder
	b.WriteString("You are a price comparison assistant. Find cheaper alternatives for the following product:\n\n")
	fmt.Fprintf(&b, "Product Name: %s\nCurrent Price: %s %s\nQuantity: %s\n\n", item.Name, price(item.UnitPrice), currency, price(item.Quantity))
	fmt.Fprintf(&b, "Search for this product and find up to %d cheaper alternatives from online retailers and local shops or supermarkets.\n\n", MaxAlternatives)
	b.WriteString("Return ONLY valid JSON in this exact format:\n{\n  \"alternatives\": [\n    ")
	fmt.Fprintf(&b, alternativeShape, currency)
	b.WriteString("\n  ]\n}\n\n")
	b.WriteString("If no cheaper alternatives exist, return {\"alternatives\": []}\n")
	b.WriteString(rules)
	return b.String()
}

// batchPrompt enumerates every item so the whole receipt needs one request
func batchPrompt(items []receipt.Item, currency string) string {
	var b strings.Builder
	b.WriteString("You are a price comparison assistant. Find cheaper alternatives for each of the following products:\n\n")
	for i, item := range items {
		fmt.Fprintf(&b, "%d. %s - %s %s (quantity %s)\n", i, item.Name, price(item.UnitPrice), currency, price(item.Quantity))
	}
	fmt.Fprintf(&b, "\nFor each product find up to %d cheaper alternatives from online retailers and local shops or supermarkets.\n\n", MaxAlternatives)
	b.WriteString("Return ONLY valid JSON: one object whose keys are the product numbers above and whose values are lists of alternatives:\n{\n  \"0\": [\n    ")
	fmt.Fprintf(&b, alternativeShape, currency)
	b.WriteString("\n  ]\n}\n\n")
	b.WriteString("Leave out products without cheaper alternatives.\n")
	b.WriteString(rules)
	return b.String()
}
