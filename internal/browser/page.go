package browser

import (
	"context"
	"fmt"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/dohr-michael/genbatch/internal/automator"
	"github.com/dohr-michael/genbatch/internal/config"
)

// Page evaluates selector-driven scripts in a tab.
type Page struct {
	tab       context.Context
	selectors config.SelectorsConfig
}

var _ automator.Page = (*Page)(nil)

// run executes actions in the tab, stopping early when ctx is done.
func (p *Page) run(ctx context.Context, actions ...chromedp.Action) error {
	rctx, cancel := context.WithCancel(p.tab)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(rctx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func (p *Page) eval(ctx context.Context, body string, arg, out any) error {
	expr, err := build(p.selectors, body, arg)
	if err != nil {
		return fmt.Errorf("build script: %w", err)
	}
	return p.run(ctx, chromedp.Evaluate(expr, out, func(ep *runtime.EvaluateParams) *runtime.EvaluateParams {
		return ep.WithUserGesture(true)
	}))
}

func (p *Page) URL(ctx context.Context) (string, error) {
	var url string
	err := p.run(ctx, chromedp.Location(&url))
	return url, err
}

func (p *Page) InputReady(ctx context.Context) (bool, error) {
	var ok bool
	err := p.eval(ctx, scriptInputReady, nil, &ok)
	return ok, err
}

func (p *Page) LoadingImages(ctx context.Context) (int, error) {
	var n int
	err := p.eval(ctx, scriptLoadingImages, nil, &n)
	return n, err
}

func (p *Page) InsertText(ctx context.Context, text string) error {
	var ok bool
	return p.eval(ctx, scriptInsertText, text, &ok)
}

func (p *Page) SetText(ctx context.Context, text string) error {
	var ok bool
	return p.eval(ctx, scriptSetText, text, &ok)
}

func (p *Page) InputText(ctx context.Context) (string, error) {
	var s string
	err := p.eval(ctx, scriptInputText, nil, &s)
	return s, err
}

func (p *Page) NudgeInput(ctx context.Context) error {
	var ok bool
	return p.eval(ctx, scriptNudge, nil, &ok)
}

func (p *Page) SendState(ctx context.Context) (automator.SendState, error) {
	var st automator.SendState
	err := p.eval(ctx, scriptSendState, nil, &st)
	return st, err
}

func (p *Page) ClickSend(ctx context.Context) error {
	var ok bool
	return p.eval(ctx, scriptClickSend, nil, &ok)
}

func (p *Page) PromptEchoes(ctx context.Context) ([]string, error) {
	var out []string
	err := p.eval(ctx, scriptPromptEchoes, nil, &out)
	return out, err
}

func (p *Page) ImageSources(ctx context.Context) ([]string, error) {
	var out []string
	err := p.eval(ctx, scriptImageSources, nil, &out)
	return out, err
}

func (p *Page) Response(ctx context.Context, anchor automator.Anchor) (automator.ResponseState, error) {
	var st automator.ResponseState
	err := p.eval(ctx, scriptResponse, anchor, &st)
	return st, err
}

func (p *Page) StopGeneration(ctx context.Context) (bool, error) {
	var ok bool
	err := p.eval(ctx, scriptStop, nil, &ok)
	return ok, err
}

func (p *Page) ClickDownload(ctx context.Context, anchor automator.Anchor) (bool, error) {
	var ok bool
	err := p.eval(ctx, scriptClickDownload, anchor, &ok)
	return ok, err
}

func (p *Page) ConfirmDownloadMenu(ctx context.Context) (bool, error) {
	var ok bool
	err := p.eval(ctx, scriptConfirmMenu, nil, &ok)
	return ok, err
}
