package classifier

import (
	"fmt"
	"strings"
)

// SystemPrompt pins the model to JSON-only answers.
const SystemPrompt = "Ты — AI-ассистент для классификации товаров. Отвечай только валидным JSON."

const instructions = `Ты — эксперт по классификации товаров. Проанализируй список объявлений Avito и для каждого определи:

1. normalized_title — единое название модели, по которому группируются одинаковые товары. Формат: "Бренд Модель Ключевая_характеристика", например "Apple MacBook Air M2 256GB" или "Lenovo ThinkPad T14 i5-1335U".
2. product_category — категория товара, например "Ноутбук", "Игровой ноутбук", "Смартфон".
3. key_specs — ключевые характеристики через запятую из названия и описания, например "RTX 4060, 16GB RAM, 512GB SSD".

Правила:
- Одна и та же модель (бренд, модельный ряд, ключевые характеристики) всегда получает одинаковый normalized_title.
- Слова вроде "срочно", "б/у", "новый", "идеальное состояние" не влияют на модель.
- Если модель определить нельзя, используй максимально общее название.
- Бери характеристики из описания, если их нет в названии.

Ответь строго JSON-массивом без текста до или после него:
[
  {
    "avito_id": "123456",
    "normalized_title": "Бренд Модель Характеристика",
    "product_category": "Категория",
    "key_specs": "характеристика1, характеристика2"
  }
]

Список товаров:
`

// BuildPrompt renders the user message for a batch.
func BuildPrompt(items []Item) string {
	var b strings.Builder
	b.WriteString(instructions)
	for i, item := range items {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "- ID: %s\n  Название: %s\n  Описание: %s\n", item.ID, item.Title, item.Description)
	}
	return b.String()
}
