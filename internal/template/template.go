// Package template — подстановка значений из payload вебхука в шаблоны
// описаний чеков и тел ретрансляции.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"chekodel/internal/models"
)

// Плейсхолдер вида {{ object.amount.value }} — точечный путь по JSON-дереву.
var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// BuildContext собирает контекст описания чека: payment_id, amount и
// customer_name извлекаются по путям магазина, payload доступен целиком.
// Отсутствующая сумма в контекст не кладётся — AmountFromContext различает
// «нет суммы» и «сумма 0».
func BuildContext(payload map[string]any, store *models.Store) map[string]any {
	ctx := map[string]any{
		"payload": payload,
	}

	if value, ok := Lookup(payload, store.PaymentIDPath); ok {
		ctx["payment_id"] = value
	} else {
		ctx["payment_id"] = ""
	}
	if value, ok := Lookup(payload, store.AmountPath); ok {
		ctx["amount"] = value
	}
	if value, ok := Lookup(payload, store.CustomerNamePath); ok {
		ctx["customer_name"] = value
	} else {
		ctx["customer_name"] = ""
	}
	if event, ok := payload["event"]; ok {
		ctx["event"] = event
	} else {
		ctx["event"] = ""
	}

	return ctx
}

// RelayContext — контекст шаблонов ретрансляции: payload целиком под ключом
// "payload" и одновременно распакован на верхний уровень.
func RelayContext(payload map[string]any) map[string]any {
	ctx := make(map[string]any, len(payload)+1)
	ctx["payload"] = payload
	for k, v := range payload {
		ctx[k] = v
	}
	return ctx
}

// Lookup разрешает точечный путь в контексте. Спускаемся только по картам:
// если до конца пути встретилось что-то другое, значения нет.
func Lookup(context map[string]any, path string) (any, bool) {
	var cur any = context
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Render подставляет значения контекста в шаблон. Отсутствующие пути дают
// пустую строку, вложенные структуры — компактный JSON.
func Render(tmpl string, context map[string]any) string {
	return placeholderRe.ReplaceAllStringFunc(tmpl, func(match string) string {
		path := placeholderRe.FindStringSubmatch(match)[1]
		value, ok := Lookup(context, path)
		if !ok {
			return ""
		}
		return stringify(value)
	})
}

// AmountFromContext достаёт сумму из контекста. Принимает число или
// числовую строку; отсутствие суммы — ошибка, а не ноль.
func AmountFromContext(context map[string]any) (float64, error) {
	value, ok := context["amount"]
	if !ok {
		return 0, fmt.Errorf("amount not found in payload")
	}
	switch v := value.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	case string:
		amount, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("amount holds non-numeric value %q", v)
		}
		return amount, nil
	default:
		return 0, fmt.Errorf("amount holds non-numeric value of type %T", value)
	}
}

func stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case map[string]any, []any:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	default:
		return fmt.Sprintf("%v", v)
	}
}
