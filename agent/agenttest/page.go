// Package agenttest provides a scripted grocery page that answers agent operations in
// process. It backs tests and the simulate mode of the command line tool.
package agenttest

import (
	"context"
	"fmt"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/goliatone/go-reorder/agent"
	"github.com/goliatone/go-reorder/model"
)

// DefaultURL is the page address reported when a scenario does not set one.
const DefaultURL = "https://grocer.example.com/account/orders"

// Failure scripts errors or latency for an operation.
type Failure struct {
	Operation string        `yaml:"operation"`
	Code      string        `yaml:"code"`
	Times     int           `yaml:"times"`
	Delay     time.Duration `yaml:"delay"`
}

// Scenario describes the page contents.
type Scenario struct {
	URL          string               `yaml:"url"`
	Title        string               `yaml:"title"`
	LoggedIn     *bool                `yaml:"logged_in"`
	UserName     string               `yaml:"user_name"`
	LoadingPolls int                  `yaml:"loading_polls"`
	Orders       []model.Order        `yaml:"orders"`
	Catalog      []model.CartItem     `yaml:"catalog"`
	Products     []model.Product      `yaml:"products"`
	Slots        []model.DeliverySlot `yaml:"slots"`
	Failures     []Failure            `yaml:"failures"`
}

// LoadScenario reads a YAML scenario file.
func LoadScenario(path string) (Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("read scenario: %w", err)
	}
	return ParseScenario(data)
}

func ParseScenario(data []byte) (Scenario, error) {
	var scn Scenario
	if err := yaml.Unmarshal(data, &scn); err != nil {
		return Scenario{}, fmt.Errorf("parse scenario: %w", err)
	}
	return scn, nil
}

type failureState struct {
	code  string
	times int
	delay time.Duration
}

// Page is the simulated page. All methods are safe for concurrent use.
type Page struct {
	mu sync.Mutex

	url          string
	title        string
	loggedIn     bool
	userName     string
	loadingPolls int

	orders   []model.Order
	catalog  map[string]model.CartItem
	products []model.Product
	slots    []model.DeliverySlot

	cart     []model.CartItem
	failures map[string]*failureState
	calls    map[string]int
}

func NewPage(scn Scenario) *Page {
	p := &Page{
		url:          scn.URL,
		title:        scn.Title,
		loggedIn:     true,
		userName:     scn.UserName,
		loadingPolls: scn.LoadingPolls,
		orders:       slices.Clone(scn.Orders),
		catalog:      make(map[string]model.CartItem, len(scn.Catalog)),
		products:     slices.Clone(scn.Products),
		slots:        slices.Clone(scn.Slots),
		failures:     make(map[string]*failureState),
		calls:        make(map[string]int),
	}
	if p.url == "" {
		p.url = DefaultURL
	}
	if scn.LoggedIn != nil {
		p.loggedIn = *scn.LoggedIn
	}
	for _, item := range scn.Catalog {
		p.catalog[key(item.Name)] = item
	}
	for _, f := range scn.Failures {
		p.script(f)
	}
	return p
}

func key(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// FailNext makes the next times calls of operation fail with code.
func (p *Page) FailNext(operation, code string, times int) {
	p.script(Failure{Operation: operation, Code: code, Times: times})
}

// SetDelay holds every call of operation for d, or until the request context ends.
// A zero d clears the delay.
func (p *Page) SetDelay(operation string, d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.failures[operation]
	if st == nil {
		st = &failureState{}
		p.failures[operation] = st
	}
	st.delay = d
}

func (p *Page) script(f Failure) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.failures[f.Operation]
	if st == nil {
		st = &failureState{}
		p.failures[f.Operation] = st
	}
	if f.Code != "" {
		st.code = f.Code
		st.times = f.Times
		if st.times <= 0 {
			st.times = 1
		}
	}
	if f.Delay > 0 {
		st.delay = f.Delay
	}
}

func (p *Page) SetLoggedIn(loggedIn bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loggedIn = loggedIn
}

func (p *Page) SetURL(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = url
}

// Cart returns a copy of the current cart.
func (p *Page) Cart() []model.CartItem {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.cart)
}

// Calls returns how many times operation was invoked.
func (p *Page) Calls(operation string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[operation]
}

// before records the call and applies scripted latency and failures.
func (p *Page) before(ctx context.Context, operation string) error {
	p.mu.Lock()
	p.calls[operation]++
	var (
		delay time.Duration
		fail  string
	)
	if st := p.failures[operation]; st != nil {
		delay = st.delay
		if st.times > 0 {
			st.times--
			fail = st.code
		}
	}
	p.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fail != "" {
		return agent.NewError(fail, fmt.Sprintf("scripted %s failure", operation))
	}
	return nil
}

// Register installs the page operations on server.
func (p *Page) Register(server *agent.Server) error {
	type none struct{}
	return firstErr(
		agent.Handle(server, agent.OpPageStatus, func(ctx context.Context, _ string, _ none) (agent.PageStatus, error) {
			if err := p.before(ctx, agent.OpPageStatus); err != nil {
				return agent.PageStatus{}, err
			}
			return p.pageStatus(), nil
		}),
		agent.Handle(server, agent.OpLoginCheck, func(ctx context.Context, _ string, _ none) (agent.LoginStatus, error) {
			if err := p.before(ctx, agent.OpLoginCheck); err != nil {
				return agent.LoginStatus{}, err
			}
			p.mu.Lock()
			defer p.mu.Unlock()
			return agent.LoginStatus{IsLoggedIn: p.loggedIn, UserName: p.userName}, nil
		}),
		agent.Handle(server, agent.OpExtractHistory, func(ctx context.Context, _ string, req agent.HistoryRequest) (agent.HistoryResult, error) {
			if err := p.before(ctx, agent.OpExtractHistory); err != nil {
				return agent.HistoryResult{}, err
			}
			p.mu.Lock()
			defer p.mu.Unlock()
			orders := slices.Clone(p.orders)
			if req.Limit > 0 && len(orders) > req.Limit {
				orders = orders[:req.Limit]
			}
			return agent.HistoryResult{Orders: orders}, nil
		}),
		agent.Handle(server, agent.OpReorder, func(ctx context.Context, _ string, req agent.ReorderRequest) (agent.ReorderResult, error) {
			if err := p.before(ctx, agent.OpReorder); err != nil {
				return agent.ReorderResult{}, err
			}
			return p.reorder(req)
		}),
		agent.Handle(server, agent.OpCartScan, func(ctx context.Context, _ string, req agent.CartScanRequest) (agent.CartScanResult, error) {
			if err := p.before(ctx, agent.OpCartScan); err != nil {
				return agent.CartScanResult{}, err
			}
			items := p.Cart()
			if !req.IncludeOutOfStock {
				items = slices.DeleteFunc(items, func(it model.CartItem) bool { return !it.Availability.IsAvailable() })
			}
			return agent.CartScanResult{Items: items}, nil
		}),
		agent.Handle(server, agent.OpSearchProducts, func(ctx context.Context, _ string, req agent.SearchRequest) (agent.SearchResult, error) {
			if err := p.before(ctx, agent.OpSearchProducts); err != nil {
				return agent.SearchResult{}, err
			}
			return agent.SearchResult{Products: p.search(req.Query, req.MaxResults)}, nil
		}),
		agent.Handle(server, agent.OpSlotsExtract, func(ctx context.Context, _ string, _ none) (agent.SlotsResult, error) {
			if err := p.before(ctx, agent.OpSlotsExtract); err != nil {
				return agent.SlotsResult{}, err
			}
			p.mu.Lock()
			defer p.mu.Unlock()
			return agent.SlotsResult{Slots: slices.Clone(p.slots)}, nil
		}),
	)
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *Page) pageStatus() agent.PageStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	status := agent.PageStatus{URL: p.url, Title: p.title, ReadyState: agent.ReadyStateComplete}
	if p.loadingPolls > 0 {
		p.loadingPolls--
		status.ReadyState = agent.ReadyStateLoading
	}
	return status
}

func (p *Page) reorder(req agent.ReorderRequest) (agent.ReorderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx := slices.IndexFunc(p.orders, func(o model.Order) bool { return o.OrderID == req.OrderID })
	if idx < 0 {
		return agent.ReorderResult{}, agent.NewError(agent.CodeUnknown, fmt.Sprintf("order %s not found", req.OrderID))
	}
	order := p.orders[idx]
	if req.Mode != agent.ReorderMerge {
		p.cart = nil
	}
	for _, line := range order.Items {
		p.addToCart(line)
	}
	return agent.ReorderResult{Clicked: true, Expanded: order.DetailURL != ""}, nil
}

func (p *Page) addToCart(line model.OrderItem) {
	qty := max(line.Quantity, 1)
	if i := slices.IndexFunc(p.cart, func(it model.CartItem) bool { return key(it.Name) == key(line.Name) }); i >= 0 {
		p.cart[i].Quantity += qty
		return
	}
	item, ok := p.catalog[key(line.Name)]
	if !ok {
		item = model.CartItem{Name: line.Name, Price: line.Price, Availability: model.AvailabilityAvailable}
	}
	item.Quantity = qty
	p.cart = append(p.cart, item)
}

func (p *Page) search(query string, maxResults int) []model.Product {
	terms := strings.Fields(strings.ToLower(query))
	p.mu.Lock()
	defer p.mu.Unlock()

	type hit struct {
		product model.Product
		matches int
	}
	var hits []hit
	for _, product := range p.products {
		haystack := strings.ToLower(product.Name + " " + product.Brand + " " + strings.Join(product.CategoryPath, " "))
		n := 0
		for _, term := range terms {
			if len(term) > 2 && strings.Contains(haystack, term) {
				n++
			}
		}
		if n > 0 {
			hits = append(hits, hit{product: product, matches: n})
		}
	}
	slices.SortStableFunc(hits, func(a, b hit) int { return b.matches - a.matches })

	out := make([]model.Product, 0, len(hits))
	for _, h := range hits {
		if maxResults > 0 && len(out) == maxResults {
			break
		}
		out = append(out, h.product)
	}
	return out
}

// NewServer returns an agent server backed by page.
func NewServer(page *Page, opts ...agent.ServerOption) (*agent.Server, error) {
	server := agent.NewServer(opts...)
	if err := page.Register(server); err != nil {
		return nil, err
	}
	return server, nil
}

// NewClient wires a client to page through the local transport.
func NewClient(page *Page, opts ...agent.ClientOption) (*agent.Client, error) {
	server, err := NewServer(page)
	if err != nil {
		return nil, err
	}
	return agent.NewClient(agent.NewLocalTransport(server), opts...), nil
}
