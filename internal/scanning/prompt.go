package scanning

// CategoryVocabulary is the fixed set of tags the model may assign to a line item
var CategoryVocabulary = []string{
	"food", "beverages", "clothing", "electronics", "travel", "education", "health",
	"entertainment", "home", "transport", "household", "personal-care", "other",
}

// receiptScanPrompt is the shared extraction prompt; the field names are part of the parsing contract
const receiptScanPrompt = `You are analyzing a photographed purchase receipt. Read all the text in the image and return the following information as JSON:
{
  "comercio": "merchant or store name",
  "fecha": "purchase date in ISO 8601 format (YYYY-MM-DD)",
  "total": number (only the number, no currency symbol),
  "moneda": "currency code (USD, EUR, MXN, GBP, etc.)",
  "items": [
    {
      "descripcion": "product or service name",
      "cantidad": number,
      "precio_unitario": number,
      "categories": ["category1", "category2"]
    }
  ],
  "summary": "short description of the purchase (e.g. 'Weekly groceries', 'Furniture', 'Dinner at a restaurant')"
}

Important:
- Return ONLY valid JSON, with no text before or after it
- Escape special characters inside strings (quotes, line breaks, backslashes)
- If a field cannot be found, use null
- The date must be YYYY-MM-DD; if the year is missing use the current year
- The total is the final amount paid, as a number
- Detect the currency from symbols such as €, $ or £ or from currency codes; if unclear use EUR
- Extract every item you can identify
- Assign each item one or more categories from: food, beverages, clothing, electronics, travel, education, health, entertainment, home, transport, household, personal-care, other
- Items may have several categories (e.g. shampoo could be ["personal-care", "health"])
- The summary must be at most 50 characters, on a single line
- Be as accurate as possible`
