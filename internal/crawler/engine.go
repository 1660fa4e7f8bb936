package crawler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"reconduit/internal/normalize"
)

// Engine drives one long-lived browser. Scans run in independent
// incognito contexts, so concurrent calls never share cookies, storage
// or pages.
type Engine struct {
	cfg     Config
	log     *zap.Logger
	browser *rod.Browser
}

// Config tunes the engine.
type Config struct {
	// BrowserBin overrides the browser binary; empty lets rod find one.
	BrowserBin string

	Headless bool

	// MaxDepth bounds link-following from the seed. Scan's maxDepth
	// argument overrides it per call.
	MaxDepth int

	// MaxPathLength bounds the in-page action sequence from any state.
	MaxPathLength int

	// MaxPages bounds the number of distinct states visited per scan.
	MaxPages int

	// PageTimeout bounds each navigation plus settle.
	PageTimeout time.Duration

	// Settle is the pause after navigations and actions for the page's
	// scripts to catch up.
	Settle time.Duration

	Logger *zap.Logger
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxDepth <= 0 {
		out.MaxDepth = 3
	}
	if out.MaxPathLength <= 0 {
		out.MaxPathLength = 12
	}
	if out.MaxPages <= 0 {
		out.MaxPages = 64
	}
	if out.PageTimeout <= 0 {
		out.PageTimeout = 30 * time.Second
	}
	if out.Settle <= 0 {
		out.Settle = 500 * time.Millisecond
	}
	if out.Logger == nil {
		out.Logger = zap.NewNop()
	}
	return out
}

// NewEngine builds an engine. Call Start before Scan.
func NewEngine(cfg Config) *Engine {
	cfg = cfg.withDefaults()
	return &Engine{cfg: cfg, log: cfg.Logger.Named("crawler")}
}

// Start launches the browser and connects to it.
func (e *Engine) Start(ctx context.Context) error {
	l := launcher.New().Headless(e.cfg.Headless)
	if e.cfg.BrowserBin != "" {
		l = l.Bin(e.cfg.BrowserBin)
	}
	controlURL, err := l.Launch()
	if err != nil {
		return fmt.Errorf("crawler: launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("crawler: connect browser: %w", err)
	}
	e.browser = browser
	e.log.Info("browser started", zap.Bool("headless", e.cfg.Headless))
	return nil
}

// Close shuts the browser down.
func (e *Engine) Close() error {
	if e.browser == nil {
		return nil
	}
	err := e.browser.Close()
	e.browser = nil
	return err
}

// Scan explores the target and streams every request/response pair the
// pages issue, in the katana wire shape. The channel closes when the
// exploration finishes or ctx is canceled; a scan-level failure arrives
// as a final error result.
func (e *Engine) Scan(ctx context.Context, target string, maxDepth int) (<-chan Result, error) {
	if e.browser == nil {
		return nil, errors.New("crawler: engine not started")
	}
	seed, ok := normalize.URL(target)
	if !ok {
		return nil, fmt.Errorf("crawler: %q is not a crawlable url", target)
	}
	if maxDepth <= 0 {
		maxDepth = e.cfg.MaxDepth
	}

	out := make(chan Result, 64)
	go func() {
		defer close(out)
		if err := e.crawl(ctx, seed, maxDepth, out); err != nil && ctx.Err() == nil {
			emit(ctx, out, Result{
				Error:     &WireError{Message: err.Error()},
				Timestamp: time.Now().UTC(),
			})
		}
	}()
	return out, nil
}

type frontierItem struct {
	url   string
	depth int
}

// crawl walks the bounded state graph from the seed.
func (e *Engine) crawl(ctx context.Context, seed string, maxDepth int, out chan<- Result) error {
	incognito, err := e.browser.Incognito()
	if err != nil {
		return fmt.Errorf("incognito context: %w", err)
	}

	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return fmt.Errorf("create page: %w", err)
	}
	defer page.Close()

	pageCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	page = page.Context(pageCtx)

	e.pumpNetwork(pageCtx, page, out)

	seedHost := hostOf(seed)
	visited := newVisitedSets()
	frontier := []frontierItem{{url: seed, depth: 0}}
	pages := 0

	for len(frontier) > 0 && pages < e.cfg.MaxPages {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		item := frontier[0]
		frontier = frontier[1:]

		state, err := e.visit(page, item.url)
		if err != nil {
			e.log.Debug("navigation failed",
				zap.String("url", item.url), zap.Error(err))
			continue
		}
		if visited.SeenState(state) {
			continue
		}
		pages++

		e.harvestLinks(state, seedHost, item.depth, maxDepth, visited, &frontier)
		e.interact(ctx, page, state, nil, seedHost, item.depth, maxDepth, visited, &frontier)
	}

	e.log.Debug("crawl finished",
		zap.String("seed", seed),
		zap.Int("pages", pages),
		zap.Int("frontier_left", len(frontier)))
	return nil
}

// interact fires the non-link actions of a state depth-first, bounded by
// the action-sequence length and the three visited sets.
func (e *Engine) interact(ctx context.Context, page *rod.Page, state *PageState, path []string, seedHost string, depth, maxDepth int, visited *visitedSets, frontier *[]frontierItem) {
	for _, action := range state.Actions {
		if ctx.Err() != nil {
			return
		}
		if action.Class == "link" {
			continue // links go through the frontier
		}
		if state.Executed(action) {
			continue
		}
		next := append(append([]string{}, path...), action.ClusterKey())
		if len(next) > e.cfg.MaxPathLength {
			continue
		}
		if visited.SeenSequence(next) {
			continue
		}
		state.MarkExecuted(action)

		if err := e.execute(page, action); err != nil {
			e.log.Debug("action failed",
				zap.String("cluster", action.ClusterKey()), zap.Error(err))
			continue
		}

		after, err := e.capture(page)
		if err != nil {
			// The action navigated somewhere unusable; come back.
			e.restore(page, state.NormalizedURL)
			continue
		}
		if !visited.SeenState(after) {
			e.harvestLinks(after, seedHost, depth, maxDepth, visited, frontier)
			e.interact(ctx, page, after, next, seedHost, depth, maxDepth, visited, frontier)
		}
		if after.NormalizedURL != state.NormalizedURL {
			e.restore(page, state.NormalizedURL)
		}
	}
}

// harvestLinks queues a state's same-site links for the next depth.
func (e *Engine) harvestLinks(state *PageState, seedHost string, depth, maxDepth int, visited *visitedSets, frontier *[]frontierItem) {
	if depth+1 > maxDepth {
		return
	}
	for _, action := range state.Actions {
		if action.Class != "link" || action.Href == "" {
			continue
		}
		href, ok := normalize.URL(action.Href)
		if !ok || hostOf(href) != seedHost {
			continue
		}
		*frontier = append(*frontier, frontierItem{url: href, depth: depth + 1})
	}
}

// visit navigates and captures the resulting state.
func (e *Engine) visit(page *rod.Page, rawURL string) (*PageState, error) {
	p := page.Timeout(e.cfg.PageTimeout)
	if err := p.Navigate(rawURL); err != nil {
		return nil, err
	}
	if err := p.WaitLoad(); err != nil {
		return nil, err
	}
	time.Sleep(e.cfg.Settle)
	return e.capture(page)
}

// restore re-navigates after an action moved the page away, so sibling
// actions of the previous state still run against it.
func (e *Engine) restore(page *rod.Page, url string) {
	p := page.Timeout(e.cfg.PageTimeout)
	if err := p.Navigate(url); err != nil {
		return
	}
	_ = p.WaitLoad()
	time.Sleep(e.cfg.Settle)
}

// execute fires one action and waits for the page to settle.
func (e *Engine) execute(page *rod.Page, action Action) error {
	el, err := page.Timeout(e.cfg.PageTimeout).Element(action.Selector)
	if err != nil {
		return err
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return err
	}
	time.Sleep(e.cfg.Settle)
	return nil
}

// pageCensus is the shape the extraction script returns.
type pageCensus struct {
	URL      string `json:"url"`
	Forms    int    `json:"forms"`
	Buttons  int    `json:"buttons"`
	Links    int    `json:"links"`
	Inputs   int    `json:"inputs"`
	Elements int    `json:"elements"`
	Actions  []struct {
		Class    string `json:"cls"`
		Tag      string `json:"tag"`
		Text     string `json:"text"`
		Selector string `json:"selector"`
		Href     string `json:"href"`
	} `json:"actions"`
}

// extractScript censuses the DOM and tags every visible interactable
// element with a selector attribute for later execution.
const extractScript = `
() => {
	const isVisible = (el) => {
		const st = window.getComputedStyle(el);
		if (st.display === 'none' || st.visibility === 'hidden' || st.opacity === '0') return false;
		const r = el.getBoundingClientRect();
		return r.width > 0 && r.height > 0;
	};
	const semClass = (el, tag) => {
		if (tag === 'a') return 'link';
		if (tag === 'button') return ((el.type || '').toLowerCase() === 'submit') ? 'submit' : 'button';
		if (tag === 'input') {
			const t = (el.type || '').toLowerCase();
			if (t === 'submit' || t === 'image') return 'submit';
			if (t === 'button' || t === 'reset') return 'button';
			if (t === 'checkbox' || t === 'radio') return 'toggle';
			return '';
		}
		const role = (el.getAttribute('role') || '').toLowerCase();
		if (role === 'link') return 'link';
		if (role === 'button') return 'button';
		if (el.hasAttribute('onclick')) return 'button';
		return '';
	};
	let seq = 0;
	const actions = [];
	const candidates = document.querySelectorAll('a, button, input, [onclick], [role="button"], [role="link"]');
	for (const el of candidates) {
		const tag = el.tagName.toLowerCase();
		const cls = semClass(el, tag);
		if (!cls || !isVisible(el)) continue;
		seq += 1;
		el.setAttribute('data-reconduit-act', String(seq));
		actions.push({
			cls: cls,
			tag: tag,
			text: (el.innerText || el.value || el.getAttribute('aria-label') || '').slice(0, 120),
			selector: '[data-reconduit-act="' + seq + '"]',
			href: tag === 'a' ? (el.href || '') : ''
		});
	}
	return {
		url: window.location.href,
		forms: document.forms.length,
		buttons: document.querySelectorAll('button, input[type=submit], input[type=button]').length,
		links: document.querySelectorAll('a[href]').length,
		inputs: document.querySelectorAll('input, textarea, select').length,
		elements: document.getElementsByTagName('*').length,
		actions: actions
	};
}`

// storageScript snapshots both web storages as one JSON document.
const storageScript = `
() => {
	const dump = (store) => {
		const out = {};
		try {
			for (const key of Object.keys(store)) out[key] = store.getItem(key);
		} catch (e) {}
		return out;
	};
	return JSON.stringify({ local: dump(localStorage), session: dump(sessionStorage) });
}`

// capture reads the live page into a PageState.
func (e *Engine) capture(page *rod.Page) (*PageState, error) {
	res, err := page.Timeout(e.cfg.PageTimeout).Evaluate(&rod.EvalOptions{
		JS:           extractScript,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil || res == nil {
		return nil, fmt.Errorf("census eval: %w", err)
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var census pageCensus
	if err := json.Unmarshal(raw, &census); err != nil {
		return nil, err
	}

	normalized, ok := normalize.URL(census.URL)
	if !ok {
		return nil, fmt.Errorf("uncrawlable page url %q", census.URL)
	}

	state := &PageState{
		NormalizedURL: normalized,
		DOMShape: ShapeVector{
			Forms:    census.Forms,
			Buttons:  census.Buttons,
			Links:    census.Links,
			Inputs:   census.Inputs,
			Elements: census.Elements,
		},
		CookiesHash: e.cookiesHash(page),
		StorageHash: e.storageHash(page),
	}
	for _, a := range census.Actions {
		state.Actions = append(state.Actions, Action{
			Class:    a.Class,
			Tag:      a.Tag,
			Text:     a.Text,
			Selector: a.Selector,
			Href:     a.Href,
		})
	}
	return state, nil
}

func (e *Engine) cookiesHash(page *rod.Page) string {
	res, err := proto.NetworkGetCookies{}.Call(page)
	if err != nil {
		return ""
	}
	lines := make([]string, 0, len(res.Cookies))
	for _, c := range res.Cookies {
		lines = append(lines, c.Name+"="+c.Value+";"+c.Domain+c.Path)
	}
	sort.Strings(lines)
	return digest(strings.Join(lines, "\n"))
}

func (e *Engine) storageHash(page *rod.Page) string {
	res, err := page.Timeout(e.cfg.PageTimeout).Evaluate(&rod.EvalOptions{
		JS:           storageScript,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil || res == nil || res.Value.Nil() {
		return ""
	}
	return digest(res.Value.String())
}

// pumpNetwork streams the page's request/response pairs into out until
// ctx is done. Pairs correlate by request id; responses without a seen
// request (cache races) are dropped.
func (e *Engine) pumpNetwork(ctx context.Context, page *rod.Page, out chan<- Result) {
	requests := make(map[proto.NetworkRequestID]*Request)

	wait := page.EachEvent(
		func(ev *proto.NetworkRequestWillBeSent) {
			if ev.Request == nil || !isCrawlableURL(ev.Request.URL) {
				return
			}
			req := &Request{
				Method:   ev.Request.Method,
				Endpoint: ev.Request.URL,
				Headers:  map[string]string{},
				Raw:      ev.Request.Method + " " + ev.Request.URL + " HTTP/1.1",
			}
			for k, v := range ev.Request.Headers {
				req.Headers[strings.ToLower(k)] = fmt.Sprintf("%v", v)
			}
			requests[ev.RequestID] = req
		},
		func(ev *proto.NetworkResponseReceived) {
			req, ok := requests[ev.RequestID]
			if !ok || ev.Response == nil {
				return
			}
			delete(requests, ev.RequestID)

			resp := &Response{
				StatusCode: ev.Response.Status,
				Headers:    map[string]string{},
			}
			for k, v := range ev.Response.Headers {
				resp.Headers[strings.ToLower(k)] = fmt.Sprintf("%v", v)
			}
			emit(ctx, out, Result{
				Request:   req,
				Response:  resp,
				Timestamp: time.Now().UTC(),
			})
		},
	)
	go wait()
}

func emit(ctx context.Context, out chan<- Result, r Result) {
	select {
	case out <- r:
	case <-ctx.Done():
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func isCrawlableURL(raw string) bool {
	return strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://")
}
