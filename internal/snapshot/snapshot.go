// Package snapshot builds the bounded textual view of a page that the planner
// sends to the model: an inventory of visible interactive elements and the
// cleaned body markup.
package snapshot

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
)

// Element categories.
const (
	CategoryInput     = "input"
	CategoryClickable = "clickable"
)

// Selectors used to enumerate elements. Both live and static sources return
// matches in document order.
const (
	InputSelector     = "input, textarea, select"
	ClickableSelector = "button, [role='button'], a"
)

// StrippedSelector lists subtrees removed from the cleaned markup.
const StrippedSelector = "script, style, noscript, svg, path"

// TruncationSuffix is appended to markup cut at the size limit.
const TruncationSuffix = "\n... (HTML truncated: page too long)"

const noneMarker = "none"

// ElementInfo describes one interactive element as reported by a Source.
// Values are untruncated; the extractor applies the caps.
type ElementInfo struct {
	Category    string `json:"category"`
	Tag         string `json:"tag"`
	Type        string `json:"type"`
	Name        string `json:"name"`
	ID          string `json:"id"`
	Placeholder string `json:"placeholder"`
	Value       string `json:"value"`
	Text        string `json:"text"`
	Class       string `json:"class"`
	Role        string `json:"role"`
	Href        string `json:"href"`
	Visible     bool   `json:"visible"`
	InAssistant bool   `json:"inAssistant"`
}

// Source supplies raw page data.
type Source interface {
	Elements(ctx context.Context) ([]ElementInfo, error)
	BodyHTML(ctx context.Context) (string, error)
	URL(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
}

// Limits caps the size of snapshot fields, in characters. A zero HTML limit
// leaves the markup unbounded.
type Limits struct {
	Value int
	Text  int
	Href  int
	HTML  int
}

func DefaultLimits() Limits {
	return Limits{Value: 50, Text: 80, Href: 50, HTML: 300000}
}

// Snapshot is the page view handed to the planner. It is never persisted.
type Snapshot struct {
	URL      string
	Title    string
	Elements string
	HTML     string
}

// Extractor turns a Source into snapshot text. Its methods never fail; source
// errors are logged and produce best-effort output.
type Extractor struct {
	log         *zap.Logger
	containerID string
	limits      Limits
}

func NewExtractor(log *zap.Logger, containerID string, limits Limits) *Extractor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Extractor{log: log.Named("snapshot"), containerID: containerID, limits: limits}
}

// ExtractElements renders the numbered input and clickable inventories.
func (e *Extractor) ExtractElements(ctx context.Context, src Source) string {
	elems, err := src.Elements(ctx)
	if err != nil {
		e.log.Warn("element enumeration failed", zap.Error(err))
	}
	return FormatElements(elems, e.limits)
}

// ExtractHTML returns the cleaned body markup.
func (e *Extractor) ExtractHTML(ctx context.Context, src Source) string {
	body, err := src.BodyHTML(ctx)
	if err != nil {
		e.log.Warn("body markup unavailable", zap.Error(err))
		return ""
	}
	cleaned, err := CleanHTML(body, e.containerID, e.limits.HTML)
	if err != nil {
		e.log.Warn("markup cleaning failed", zap.Error(err))
	}
	return cleaned
}

// Capture collects everything the planner needs from src.
func (e *Extractor) Capture(ctx context.Context, src Source) Snapshot {
	snap := Snapshot{
		Elements: e.ExtractElements(ctx, src),
		HTML:     e.ExtractHTML(ctx, src),
	}
	var err error
	if snap.URL, err = src.URL(ctx); err != nil {
		e.log.Debug("page url unavailable", zap.Error(err))
	}
	if snap.Title, err = src.Title(ctx); err != nil {
		e.log.Debug("page title unavailable", zap.Error(err))
	}
	e.log.Debug("snapshot captured",
		zap.String("url", snap.URL),
		zap.Int("elements_chars", len(snap.Elements)),
		zap.Int("html_chars", len(snap.HTML)))
	return snap
}

// FormatElements renders descriptors as the two numbered lists, dropping
// anything hidden or inside the assistant container.
func FormatElements(elems []ElementInfo, limits Limits) string {
	var inputs, clickables []string
	for _, el := range elems {
		if el.InAssistant || !el.Visible {
			continue
		}
		switch el.Category {
		case CategoryInput:
			inputs = append(inputs, fmt.Sprintf("%d. %s", len(inputs)+1, formatInput(el, limits)))
		case CategoryClickable:
			clickables = append(clickables, fmt.Sprintf("%d. %s", len(clickables)+1, formatClickable(el, limits)))
		}
	}

	var b strings.Builder
	b.WriteString("Input elements:\n")
	b.WriteString(joinOrNone(inputs))
	b.WriteString("\n\nClickable elements:\n")
	b.WriteString(joinOrNone(clickables))
	return b.String()
}

func formatInput(el ElementInfo, limits Limits) string {
	var b strings.Builder
	b.WriteString("<" + el.Tag)
	typ := el.Type
	if typ == "" {
		typ = "text"
	}
	if typ != "text" {
		writeAttr(&b, "type", typ)
	}
	writeAttr(&b, "name", el.Name)
	writeAttr(&b, "id", el.ID)
	writeAttr(&b, "placeholder", el.Placeholder)
	writeAttr(&b, "value", Truncate(el.Value, limits.Value))
	b.WriteString(">")
	return b.String()
}

func formatClickable(el ElementInfo, limits Limits) string {
	var b strings.Builder
	b.WriteString("<" + el.Tag)
	writeAttr(&b, "id", el.ID)
	writeAttr(&b, "class", firstClass(el.Class))
	writeAttr(&b, "role", el.Role)
	writeAttr(&b, "href", Truncate(el.Href, limits.Href))
	b.WriteString(`> "`)
	b.WriteString(Truncate(strings.TrimSpace(el.Text), limits.Text))
	b.WriteString(`"`)
	return b.String()
}

func writeAttr(b *strings.Builder, name, value string) {
	if value == "" {
		return
	}
	fmt.Fprintf(b, ` %s="%s"`, name, value)
}

// firstClass keeps the first space-separated token of a class attribute.
func firstClass(class string) string {
	if i := strings.IndexByte(class, ' '); i >= 0 {
		return class[:i]
	}
	return class
}

func joinOrNone(lines []string) string {
	if len(lines) == 0 {
		return noneMarker
	}
	return strings.Join(lines, "\n")
}

// Truncate cuts s to at most n characters. n <= 0 means no limit.
func Truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

var (
	whitespaceRun  = regexp.MustCompile(`\s+`)
	betweenTagsGap = regexp.MustCompile(`>\s+<`)
)

// CleanHTML strips the assistant container and non-content subtrees from body
// markup, collapses whitespace and truncates to limit characters. On a parse
// error the whitespace-collapsed input is returned with the error.
func CleanHTML(body, containerID string, limit int) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return finishHTML(body, limit), fmt.Errorf("parse body markup: %w", err)
	}
	if containerID != "" {
		doc.Find("#" + containerID).Remove()
	}
	doc.Find(StrippedSelector).Remove()

	html, err := doc.Find("body").Html()
	if err != nil {
		return finishHTML(body, limit), fmt.Errorf("serialize body markup: %w", err)
	}
	return finishHTML(html, limit), nil
}

func finishHTML(html string, limit int) string {
	html = whitespaceRun.ReplaceAllString(html, " ")
	html = betweenTagsGap.ReplaceAllString(html, "><")
	html = strings.TrimSpace(html)
	if limit > 0 && len([]rune(html)) > limit {
		html = Truncate(html, limit) + TruncationSuffix
	}
	return html
}
