package snapshot

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// StaticSource reads element descriptors from a parsed HTML document. There
// is no layout, so visibility is approximated from the hidden attribute,
// hidden inputs and inline display/visibility/opacity styles on the element or
// any ancestor.
type StaticSource struct {
	doc         *goquery.Document
	url         string
	containerID string
}

// NewStaticSource parses r as a full HTML document.
func NewStaticSource(r io.Reader, url, containerID string) (*StaticSource, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	return &StaticSource{doc: doc, url: url, containerID: containerID}, nil
}

func (s *StaticSource) URL(context.Context) (string, error) { return s.url, nil }

func (s *StaticSource) Title(context.Context) (string, error) {
	return strings.TrimSpace(s.doc.Find("title").First().Text()), nil
}

func (s *StaticSource) BodyHTML(context.Context) (string, error) {
	return s.doc.Find("body").Html()
}

func (s *StaticSource) Elements(context.Context) ([]ElementInfo, error) {
	var out []ElementInfo
	s.doc.Find(InputSelector).Each(func(_ int, sel *goquery.Selection) {
		out = append(out, s.describe(CategoryInput, sel))
	})
	s.doc.Find(ClickableSelector).Each(func(_ int, sel *goquery.Selection) {
		out = append(out, s.describe(CategoryClickable, sel))
	})
	return out, nil
}

func (s *StaticSource) describe(category string, sel *goquery.Selection) ElementInfo {
	attr := func(name string) string {
		v, _ := sel.Attr(name)
		return v
	}
	info := ElementInfo{
		Category:    category,
		Tag:         goquery.NodeName(sel),
		Type:        attr("type"),
		Name:        attr("name"),
		ID:          attr("id"),
		Placeholder: attr("placeholder"),
		Value:       s.value(sel),
		Text:        sel.Text(),
		Class:       attr("class"),
		Role:        attr("role"),
		Href:        attr("href"),
		Visible:     staticVisible(sel),
	}
	if s.containerID != "" {
		info.InAssistant = sel.Closest("#"+s.containerID).Length() > 0
	}
	return info
}

func (s *StaticSource) value(sel *goquery.Selection) string {
	switch goquery.NodeName(sel) {
	case "textarea":
		return sel.Text()
	case "select":
		opt := sel.Find("option[selected]").First()
		if opt.Length() == 0 {
			opt = sel.Find("option").First()
		}
		if v, ok := opt.Attr("value"); ok {
			return v
		}
		return strings.TrimSpace(opt.Text())
	default:
		v, _ := sel.Attr("value")
		return v
	}
}

func staticVisible(sel *goquery.Selection) bool {
	if typ, _ := sel.Attr("type"); goquery.NodeName(sel) == "input" && strings.EqualFold(typ, "hidden") {
		return false
	}
	for cur := sel; cur.Length() > 0; cur = cur.Parent() {
		if _, hidden := cur.Attr("hidden"); hidden {
			return false
		}
		if style, ok := cur.Attr("style"); ok && hiddenByStyle(style) {
			return false
		}
	}
	return true
}

func hiddenByStyle(style string) bool {
	for _, decl := range strings.Split(style, ";") {
		name, value, ok := strings.Cut(decl, ":")
		if !ok {
			continue
		}
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.ToLower(strings.TrimSpace(value))
		switch {
		case name == "display" && value == "none":
			return true
		case name == "visibility" && value == "hidden":
			return true
		case name == "opacity" && (value == "0" || value == "0.0"):
			return true
		}
	}
	return false
}
