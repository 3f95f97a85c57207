package bling

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/mschirtzinger/ledgersync/internal/ledger/schema"
)

// Shape tags the envelope a page of items arrived in.
type Shape int

const (
	// ShapeEmpty is an unrecognized, invalid or item-less envelope.
	ShapeEmpty Shape = iota
	// ShapeData is {"data": [...]}, the v3 list format.
	ShapeData
	// ShapeItems is {"items": [...]}.
	ShapeItems
	// ShapeList is a bare JSON array.
	ShapeList
	// ShapeLegacy is {"retorno": {<list>: [{<item>: {...}}, ...]}} from v2.
	ShapeLegacy
)

func (s Shape) String() string {
	switch s {
	case ShapeData:
		return "data"
	case ShapeItems:
		return "items"
	case ShapeList:
		return "list"
	case ShapeLegacy:
		return "legacy"
	default:
		return "empty"
	}
}

// Envelope is a classified page: its shape plus the unwrapped items.
type Envelope struct {
	Shape Shape
	Items []json.RawMessage
}

// Classify identifies the envelope shape of payload and unwraps its items.
// Anything it does not recognize is reported as ShapeEmpty with no items.
func Classify(payload []byte, kind schema.Kind) Envelope {
	if !gjson.ValidBytes(payload) {
		return Envelope{Shape: ShapeEmpty}
	}
	root := gjson.ParseBytes(payload)

	switch {
	case root.IsArray():
		return envelopeOf(ShapeList, root, "")
	case root.IsObject():
		if data := root.Get("data"); data.IsArray() {
			return envelopeOf(ShapeData, data, "")
		}
		if items := root.Get("items"); items.IsArray() {
			return envelopeOf(ShapeItems, items, "")
		}
		// v2 answers {"retorno":{"erros":[...]}} past the last page, which
		// falls through to empty.
		if list := root.Get("retorno." + kind.LegacyListKey()); list.IsArray() {
			return envelopeOf(ShapeLegacy, list, kind.LegacyItemKey())
		}
	}
	return Envelope{Shape: ShapeEmpty}
}

// envelopeOf copies the elements of list. When itemKey is set, each element
// is unwrapped from its {itemKey: {...}} holder.
func envelopeOf(shape Shape, list gjson.Result, itemKey string) Envelope {
	var items []json.RawMessage
	list.ForEach(func(_, el gjson.Result) bool {
		if itemKey != "" {
			if inner := el.Get(itemKey); inner.Exists() {
				el = inner
			}
		}
		items = append(items, json.RawMessage(el.Raw))
		return true
	})
	if len(items) == 0 {
		return Envelope{Shape: ShapeEmpty}
	}
	return Envelope{Shape: shape, Items: items}
}
