package tools

import (
	"context"
	"fmt"
	"net/url"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

const browserRenderTimeout = 30 * time.Second

// BrowserTool renders JavaScript-heavy pages in a headless browser and
// returns the resulting content as markdown. Slower than web_fetch; use
// only when plain fetching returns an empty shell.
type BrowserTool struct {
	maxChars  int
	converter *md.Converter
}

func NewBrowserTool(maxChars int) *BrowserTool {
	if maxChars <= 0 {
		maxChars = defaultFetchMaxChars
	}
	return &BrowserTool{maxChars: maxChars, converter: md.NewConverter("", true, nil)}
}

func (t *BrowserTool) Register(reg *Registry) error {
	return reg.Register(Spec{
		Name:        "browser_render",
		Description: "Load a URL in a headless browser (JavaScript executed) and return the rendered page as markdown",
		Timeout:     browserRenderTimeout,
		Schema: ObjectSchema(map[string]interface{}{
			"url": map[string]interface{}{"type": "string"},
		}, "url"),
		Handler: t.execute,
	})
}

func (t *BrowserTool) execute(ctx context.Context, args map[string]interface{}) *Result {
	rawURL := strArg(args, "url")
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ErrorResult(fmt.Sprintf("invalid URL: %v", err))
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return ErrorResult("only http and https URLs are supported")
	}
	if err := checkSSRF(parsed); err != nil {
		return ErrorResult(fmt.Sprintf("SSRF protection: %v", err))
	}

	browser := rod.New().Context(ctx)
	if err := browser.Connect(); err != nil {
		return ErrorResult(fmt.Sprintf("browser unavailable: %v", err))
	}
	defer browser.Close()

	page, err := browser.Page(proto.TargetCreateTarget{URL: rawURL})
	if err != nil {
		return ErrorResult(fmt.Sprintf("open page: %v", err))
	}
	if err := page.WaitLoad(); err != nil {
		return ErrorResult(fmt.Sprintf("page load: %v", err))
	}
	html, err := page.HTML()
	if err != nil {
		return ErrorResult(fmt.Sprintf("read page: %v", err))
	}

	text, err := t.converter.ConvertString(html)
	if err != nil {
		text = htmlToText(html)
	}
	if len(text) > t.maxChars {
		text = text[:t.maxChars] + fmt.Sprintf("\n[truncated at %d chars]", t.maxChars)
	}
	return NewResult(fmt.Sprintf("<web_content source=\"external\" url=%q>\n%s\n</web_content>", rawURL, text))
}
