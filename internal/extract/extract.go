// Package extract pulls a BRL price out of a rendered store page through
// layered strategies: JSON-LD, then meta tags, then DOM heuristics, then
// body-text regex. First success wins.
package extract

import (
	"encoding/json"
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"github.com/andresfleao/revaluation-quote-pipeline/internal/models"
	"github.com/andresfleao/revaluation-quote-pipeline/internal/priceparse"
	"github.com/andresfleao/revaluation-quote-pipeline/internal/render"
	"github.com/shopspring/decimal"
)

// Result is the outcome of a successful extraction.
type Result struct {
	Price  decimal.Decimal
	Method models.ExtractionMethod
}

// FromPage runs the layered strategies against page in order, returning the
// first success. ok is false if every layer fails.
func FromPage(page *render.RenderedPage) (Result, bool) {
	if r, ok := fromJSONLD(page.JSONLDScripts); ok {
		return r, true
	}
	if r, ok := fromMetaTags(page.MetaTags); ok {
		return r, true
	}
	if r, ok := fromDOM(page.HTML); ok {
		return r, true
	}
	if r, ok := fromBodyText(page.BodyText); ok {
		return r, true
	}
	return Result{}, false
}

// jsonLDNode mirrors the subset of schema.org Product/Offer JSON-LD this
// pipeline understands. When one array carries multiple Product objects
// (sites that emit variants), the first match wins.
type jsonLDNode struct {
	Type   json.RawMessage `json:"@type"`
	Offers json.RawMessage `json:"offers"`
}

type jsonLDOffer struct {
	Price         json.RawMessage `json:"price"`
	PriceCurrency string          `json:"priceCurrency"`
}

func fromJSONLD(scripts []string) (Result, bool) {
	for _, raw := range scripts {
		for _, node := range flattenJSONLD(raw) {
			if !isProductType(node.Type) {
				continue
			}
			for _, offer := range flattenOffers(node.Offers) {
				if !strings.EqualFold(offer.PriceCurrency, "BRL") {
					continue
				}
				priceStr := stringFromRaw(offer.Price)
				if priceStr == "" {
					continue
				}
				d, err := priceparse.Parse(priceStr)
				if err != nil {
					continue
				}
				return Result{Price: d, Method: models.MethodJSONLD}, true
			}
		}
	}
	return Result{}, false
}

// flattenJSONLD parses a JSON-LD script that may be a single object, an
// array of objects, or a @graph wrapper, and returns every node found.
func flattenJSONLD(raw string) []jsonLDNode {
	var nodes []jsonLDNode

	var asArray []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &asArray); err == nil {
		for _, item := range asArray {
			nodes = append(nodes, decodeJSONLDNode(item)...)
		}
		return nodes
	}

	var asObject map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &asObject); err == nil {
		if graph, ok := asObject["@graph"]; ok {
			var graphArr []json.RawMessage
			if err := json.Unmarshal(graph, &graphArr); err == nil {
				for _, item := range graphArr {
					nodes = append(nodes, decodeJSONLDNode(item)...)
				}
				return nodes
			}
		}
		var node jsonLDNode
		if err := json.Unmarshal([]byte(raw), &node); err == nil {
			nodes = append(nodes, node)
		}
	}
	return nodes
}

func decodeJSONLDNode(raw json.RawMessage) []jsonLDNode {
	var node jsonLDNode
	if err := json.Unmarshal(raw, &node); err != nil {
		return nil
	}
	return []jsonLDNode{node}
}

func isProductType(raw json.RawMessage) bool {
	if raw == nil {
		return false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s == "Product"
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		for _, t := range list {
			if t == "Product" {
				return true
			}
		}
	}
	return false
}

func flattenOffers(raw json.RawMessage) []jsonLDOffer {
	if raw == nil {
		return nil
	}
	var single jsonLDOffer
	if err := json.Unmarshal(raw, &single); err == nil && single.Price != nil {
		return []jsonLDOffer{single}
	}
	var list []jsonLDOffer
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	return nil
}

func stringFromRaw(raw json.RawMessage) string {
	if raw == nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return priceparse.Format(decimal.NewFromFloat(f))
	}
	return ""
}

// reliableMetaKeys always yield a price regardless of label.
var reliableMetaKeys = []string{"product:price:amount", "og:price:amount"}

// labeledPriceWords gate generic card-data metas: they are only trusted when
// paired with a recognizable price label, avoiding SKUs being misread as
// prices.
var labeledPriceWords = []string{"preço", "preco", "price", "valor"}

func fromMetaTags(metas map[string]string) (Result, bool) {
	for _, key := range reliableMetaKeys {
		if v, ok := metas[key]; ok {
			if d, err := priceparse.Parse(v); err == nil {
				return Result{Price: d, Method: models.MethodMeta}, true
			}
		}
	}
	for key, value := range metas {
		lowerKey := strings.ToLower(key)
		labeled := false
		for _, word := range labeledPriceWords {
			if strings.Contains(lowerKey, word) {
				labeled = true
				break
			}
		}
		if !labeled {
			continue
		}
		if d, err := priceparse.Parse(value); err == nil {
			return Result{Price: d, Method: models.MethodMeta}, true
		}
	}
	return Result{}, false
}

// domSelectors are tried in order; the first matching element with a
// parsable value > 1 wins.
var domSelectors = []func(attrs map[string]string) bool{
	func(a map[string]string) bool { return containsFold(a["data-testid"], "price") },
	func(a map[string]string) bool { return containsFold(a["class"], "price") },
	func(a map[string]string) bool { return containsFold(a["id"], "price") },
	func(a map[string]string) bool { return a["itemprop"] == "price" },
	func(a map[string]string) bool { return containsFold(a["class"], "product-price") },
	func(a map[string]string) bool { return containsFold(a["class"], "sale-price") },
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), needle)
}

func fromDOM(rawHTML string) (Result, bool) {
	doc, err := html.Parse(strings.NewReader(rawHTML))
	if err != nil {
		return Result{}, false
	}

	for _, matcher := range domSelectors {
		if r, ok := findFirstMatch(doc, matcher); ok {
			return r, true
		}
	}
	return Result{}, false
}

func findFirstMatch(n *html.Node, matcher func(map[string]string) bool) (Result, bool) {
	if n.Type == html.ElementNode {
		attrs := map[string]string{}
		for _, a := range n.Attr {
			attrs[a.Key] = a.Val
		}
		if matcher(attrs) {
			text := collectText(n)
			if d, err := priceparse.Parse(text); err == nil {
				return Result{Price: d, Method: models.MethodDOM}, true
			}
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if r, ok := findFirstMatch(c, matcher); ok {
			return r, true
		}
	}
	return Result{}, false
}

func collectText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

// bodyTextPatterns are tried in order, most specific (full BRL format)
// first, then progressively looser.
var bodyTextPatterns = []*regexp.Regexp{
	regexp.MustCompile(`R\$\s*\d{1,3}(\.\d{3})*,\d{2}`),
	regexp.MustCompile(`R\$\s*\d+,\d{2}`),
	regexp.MustCompile(`R\$\s*\d+(\.\d{2})?`),
}

func fromBodyText(body string) (Result, bool) {
	for _, pattern := range bodyTextPatterns {
		if match := pattern.FindString(body); match != "" {
			if d, err := priceparse.Parse(match); err == nil {
				return Result{Price: d, Method: models.MethodDOM}, true
			}
		}
	}
	return Result{}, false
}
