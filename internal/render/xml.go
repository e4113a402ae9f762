// Package render serializes projected views into the indented XML document
// returned to clients:
//
//	<cars>
//	  <car>
//	    <model>A</model>
//	  </car>
//	</cars>
//
// Field values are raw JSON and may be nested; objects become child elements
// in their original key order and arrays repeat the element per item.
package render

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/0xReLogic/carsxml/internal/query"
)

// Element names of the document.
const (
	RootElement = "cars"
	ItemElement = "car"
)

const indentUnit = "  "

var escaper = strings.NewReplacer(
	"&", "&amp;",
	">", "&gt;",
	"<", "&lt;",
	"'", "&apos;",
	`"`, "&quot;",
)

// Document renders views under the root element. Undefined fields are skipped.
func Document(views []query.View) ([]byte, error) {
	var b bytes.Buffer
	if len(views) == 0 {
		emptyElement(&b, RootElement, 0)
		return b.Bytes(), nil
	}
	openElement(&b, RootElement, 0)
	for _, v := range views {
		var inner bytes.Buffer
		for _, f := range v {
			if f.Value == nil {
				continue
			}
			n, err := decode(f.Value)
			if err != nil {
				return nil, fmt.Errorf("render %s: %w", f.Name, err)
			}
			writeNode(&inner, f.Name, n, 2)
		}
		wrap(&b, ItemElement, inner.Bytes(), 1)
	}
	closeElement(&b, RootElement, 0)
	return b.Bytes(), nil
}

type kind int

const (
	kindNull kind = iota
	kindText
	kindObject
	kindArray
)

type member struct {
	key string
	val *node
}

// node is an order-preserving JSON value.
type node struct {
	kind    kind
	text    string
	members []member
	items   []*node
}

func decode(raw json.RawMessage) (*node, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	n, err := decodeValue(dec)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("trailing data after value")
	}
	return n, nil
}

func decodeValue(dec *json.Decoder) (*node, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case nil:
		return &node{kind: kindNull}, nil
	case bool:
		return &node{kind: kindText, text: strconv.FormatBool(t)}, nil
	case json.Number:
		f, err := strconv.ParseFloat(string(t), 64)
		if err != nil && !math.IsInf(f, 0) {
			return nil, err
		}
		return &node{kind: kindText, text: FormatNumber(f)}, nil
	case string:
		return &node{kind: kindText, text: t}, nil
	case json.Delim:
		switch t {
		case '{':
			n := &node{kind: kindObject}
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, _ := keyTok.(string)
				val, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				n.members = setMember(n.members, key, val)
			}
			_, err := dec.Token()
			return n, err
		case '[':
			n := &node{kind: kindArray}
			for dec.More() {
				val, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				n.items = append(n.items, val)
			}
			_, err := dec.Token()
			return n, err
		}
	}
	return nil, fmt.Errorf("unexpected token %v", tok)
}

// setMember replaces a duplicate key in place, keeping its first position.
func setMember(ms []member, key string, val *node) []member {
	for i := range ms {
		if ms[i].key == key {
			ms[i].val = val
			return ms
		}
	}
	return append(ms, member{key: key, val: val})
}

func writeNode(b *bytes.Buffer, name string, n *node, level int) {
	switch n.kind {
	case kindNull:
		indent(b, level)
		b.WriteString("<" + name + "/>\n")
	case kindText:
		if n.text == "" {
			emptyElement(b, name, level)
			return
		}
		indent(b, level)
		b.WriteString("<" + name + ">")
		b.WriteString(escaper.Replace(n.text))
		b.WriteString("</" + name + ">\n")
	case kindArray:
		for _, item := range n.items {
			if item.kind == kindArray {
				// A nested array renders as an element whose children are named by index.
				writeIndexed(b, name, item, level)
				continue
			}
			writeNode(b, name, item, level)
		}
	case kindObject:
		var inner bytes.Buffer
		for _, m := range n.members {
			writeNode(&inner, m.key, m.val, level+1)
		}
		wrap(b, name, inner.Bytes(), level)
	}
}

func writeIndexed(b *bytes.Buffer, name string, n *node, level int) {
	var inner bytes.Buffer
	for i, item := range n.items {
		writeNode(&inner, strconv.Itoa(i), item, level+1)
	}
	wrap(b, name, inner.Bytes(), level)
}

func wrap(b *bytes.Buffer, name string, inner []byte, level int) {
	if len(inner) == 0 {
		emptyElement(b, name, level)
		return
	}
	openElement(b, name, level)
	b.Write(inner)
	closeElement(b, name, level)
}

func openElement(b *bytes.Buffer, name string, level int) {
	indent(b, level)
	b.WriteString("<" + name + ">\n")
}

func closeElement(b *bytes.Buffer, name string, level int) {
	indent(b, level)
	b.WriteString("</" + name + ">\n")
}

func emptyElement(b *bytes.Buffer, name string, level int) {
	indent(b, level)
	b.WriteString("<" + name + "></" + name + ">\n")
}

func indent(b *bytes.Buffer, level int) {
	for i := 0; i < level; i++ {
		b.WriteString(indentUnit)
	}
}

// FormatNumber prints f the way clients of the service have always seen it:
// shortest round-trip digits, plain decimal between 1e-6 and 1e21 and
// exponent form (1e+21, 1e-7) outside that range.
func FormatNumber(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case f == 0:
		return "0"
	}
	abs := math.Abs(f)
	if abs >= 1e-6 && abs < 1e21 {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	s := strconv.FormatFloat(f, 'e', -1, 64)
	mant, exp, _ := strings.Cut(s, "e")
	sign := exp[0]
	exp = strings.TrimLeft(exp[1:], "0")
	if exp == "" {
		exp = "0"
	}
	return mant + "e" + string(sign) + exp
}
