package main

import (
	"context"
	"fmt"
	"html/template"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"supplyledger/ledger"
)

const explorerRecentBlocks = 25

// Explorer serves the read-only HTML ledger viewer plus the public JSON
// routes under /api/.
type Explorer struct {
	daemon *Daemon
	mux    *http.ServeMux
	server *http.Server
}

// NewExplorer creates a new explorer server
func NewExplorer(daemon *Daemon, api *APIServer) *Explorer {
	e := &Explorer{daemon: daemon, mux: http.NewServeMux()}
	e.mux.HandleFunc("GET /{$}", e.handleIndex)
	e.mux.HandleFunc("GET /block/{id}", e.handleBlock)
	e.mux.HandleFunc("GET /search", e.handleSearch)
	if api != nil {
		e.mux.Handle("/api/", api.publicHandler())
	}
	return e
}

// ServeHTTP implements http.Handler
func (e *Explorer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.mux.ServeHTTP(w, r)
}

func (e *Explorer) httpServer(addr string) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      maxBodySize(e, maxRequestBodyBytes),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Start begins serving on addr in the background.
func (e *Explorer) Start(addr string) error {
	e.server = e.httpServer(addr)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	log.Printf("[explorer] listening on http://%s", ln.Addr())
	go func() {
		if err := e.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("[explorer] server error: %v", err)
		}
	}()
	return nil
}

// Stop shuts the explorer down, waiting briefly for in-flight requests.
func (e *Explorer) Stop() {
	if e.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.server.Shutdown(ctx); err != nil {
		log.Printf("[explorer] shutdown: %v", err)
	}
}

type explorerBlockRow struct {
	Index      uint64
	Hash       string
	Time       string
	Ago        string
	Difficulty int
	Summary    string
}

type explorerField struct {
	Key   string
	Value string
}

func (e *Explorer) handleIndex(w http.ResponseWriter, r *http.Request) {
	l := e.daemon.Ledger()
	blocks := l.Blocks()

	var rows []explorerBlockRow
	for i := len(blocks) - 1; i >= 0 && len(rows) < explorerRecentBlocks; i-- {
		b := blocks[i]
		rows = append(rows, explorerBlockRow{
			Index:      b.Index,
			Hash:       b.Digest,
			Time:       b.Timestamp.UTC().Format("2006-01-02 15:04:05"),
			Ago:        timeAgo(b.Timestamp),
			Difficulty: b.Difficulty,
			Summary:    payloadSummary(b.Payload),
		})
	}

	renderTemplate(w, explorerIndexTmpl, map[string]any{
		"Height":     blocks[len(blocks)-1].Index,
		"Events":     len(blocks) - 1,
		"Difficulty": l.Difficulty(),
		"Valid":      l.IsValid(),
		"Hash":       l.Hash().String(),
		"Backend":    l.Backend(),
		"Blocks":     rows,
	})
}

func (e *Explorer) handleBlock(w http.ResponseWriter, r *http.Request) {
	l := e.daemon.Ledger()
	b, status, msg := lookupBlock(l, r.PathValue("id"))
	if status != http.StatusOK {
		http.Error(w, msg, status)
		return
	}

	fields := make([]explorerField, 0, len(b.Payload))
	for _, k := range b.Payload.Keys() {
		fields = append(fields, explorerField{Key: k, Value: b.Payload[k].Text()})
	}
	receipt, _ := encodeReceipt(b.Index, b.Digest)

	renderTemplate(w, explorerBlockTmpl, map[string]any{
		"Index":      b.Index,
		"Hash":       b.Digest,
		"PrevHash":   b.PreviousDigest,
		"Time":       b.Timestamp.UTC().Format(time.RFC3339Nano),
		"Difficulty": b.Difficulty,
		"Nonce":      b.Nonce,
		"Fields":     fields,
		"Receipt":    receipt,
		"SelfOK":     b.Digest == b.ComputeDigest(l.Hash()),
		"IsGenesis":  b.IsGenesis(),
		"HasPrev":    b.Index > 0,
		"PrevIndex":  b.Index - 1,
		"HasNext":    int(b.Index) < l.Len()-1,
		"NextIndex":  b.Index + 1,
	})
}

func (e *Explorer) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	l := e.daemon.Ledger()

	if index, err := strconv.ParseUint(q, 10, 64); err == nil {
		if _, ok := l.Block(index); ok {
			http.Redirect(w, r, "/block/"+q, http.StatusFound)
			return
		}
	}
	if b, ok := l.BlockByDigest(q); ok {
		http.Redirect(w, r, "/block/"+b.Digest, http.StatusFound)
		return
	}
	// Receipt codes resolve to the block they name.
	if index, _, err := decodeReceipt(q); err == nil {
		http.Redirect(w, r, "/block/"+strconv.FormatUint(index, 10), http.StatusFound)
		return
	}
	http.Error(w, "Not found: "+q, http.StatusNotFound)
}

// payloadSummary renders a short one-line view of a payload.
func payloadSummary(p ledger.Payload) string {
	var parts []string
	for _, k := range []string{"product_id", "stage", "location", "type"} {
		if v, ok := p.Get(k); ok {
			parts = append(parts, v.Text())
		}
	}
	if len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("%d fields", len(p)))
	}
	s := []rune(strings.Join(parts, " · "))
	if len(s) > 60 {
		return string(s[:57]) + "..."
	}
	return string(s)
}

func timeAgo(t time.Time) string {
	diff := int64(time.Since(t).Seconds())
	if diff < 60 {
		return fmt.Sprintf("%ds ago", diff)
	} else if diff < 3600 {
		return fmt.Sprintf("%dm ago", diff/60)
	} else if diff < 86400 {
		return fmt.Sprintf("%dh ago", diff/3600)
	}
	return fmt.Sprintf("%dd ago", diff/86400)
}

func renderTemplate(w http.ResponseWriter, tmpl *template.Template, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := tmpl.Execute(w, data); err != nil {
		log.Printf("[explorer] template render failed: %v", err)
	}
}

const explorerCSS = `*{margin:0;padding:0;box-sizing:border-box}
body{background:#000;color:#b0b0b0;font:15px/1.6 ui-monospace,SFMono-Regular,Menlo,Monaco,Consolas,monospace;padding:32px;max-width:900px;margin:0 auto}
a{color:#af0}
h1,h2{color:#eee;font-weight:normal;margin:40px 0 16px}
h1{font-size:24px;margin-top:0}
h2{font-size:18px;border-bottom:1px dashed #333;padding-bottom:8px}
.g{color:#af0}
.d{color:#555}
.bad{color:#f55}
.box{border:1px solid #333;padding:20px;margin:24px 0}
.stats{display:flex;justify-content:space-between}
.stat{text-align:center}
.stat-v{font-size:22px;color:#eee}
.stat-k{font-size:12px;color:#666;text-transform:uppercase}
table{width:100%;border-collapse:collapse;margin:16px 0}
th,td{text-align:left;padding:10px;border-bottom:1px solid #222}
th{color:#666;font-weight:normal;font-size:13px;text-transform:uppercase}
.hash{color:#666;font-size:13px}
.search{display:flex;gap:8px;margin:24px 0}
.search input{flex:1;background:#000;border:1px solid #333;color:#eee;padding:10px;font:inherit}
.search button{background:#af0;border:0;color:#000;padding:10px 20px;cursor:pointer;font:inherit}
.nav a{margin-right:16px}
.prop{display:flex;padding:8px 0;border-bottom:1px solid #1a1a1a}
.prop-k{width:160px;color:#666}
.prop-v{flex:1;word-break:break-all}
footer{margin-top:48px;padding-top:16px;border-top:1px dashed #333;color:#444;font-size:13px}`

var explorerIndexTmpl = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width,initial-scale=1">
<meta http-equiv="refresh" content="60">
<title>supplyledger</title>
<style>` + explorerCSS + `</style>
</head>
<body>
<h1><span class="g">$</span> supplyledger <span class="d">viewer</span></h1>

<form class="search" action="/search" method="get">
<input type="text" name="q" placeholder="Block index, hash or receipt code...">
<button type="submit">Search</button>
</form>

<div class="box stats">
<div class="stat"><div class="stat-v">{{.Height}}</div><div class="stat-k">Height</div></div>
<div class="stat"><div class="stat-v">{{.Events}}</div><div class="stat-k">Events</div></div>
<div class="stat"><div class="stat-v">{{.Difficulty}}</div><div class="stat-k">Difficulty</div></div>
<div class="stat"><div class="stat-v">{{if .Valid}}<span class="g">valid</span>{{else}}<span class="bad">INVALID</span>{{end}}</div><div class="stat-k">Chain</div></div>
</div>

<h2><span class="g">#</span> recent blocks</h2>
<table>
<tr><th>Index</th><th>Hash</th><th>Event</th><th>Age</th></tr>
{{range .Blocks}}
<tr>
<td><a href="/block/{{.Index}}">{{.Index}}</a></td>
<td class="hash"><a href="/block/{{.Hash}}">{{printf "%.16s" .Hash}}...</a></td>
<td>{{.Summary}}</td>
<td title="{{.Time}}">{{.Ago}}</td>
</tr>
{{end}}
</table>

<footer>{{.Hash}} · {{.Backend}} store · <a href="/api/chain">chain json</a> · <a href="/api/events">events json</a></footer>
</body>
</html>`))

var explorerBlockTmpl = template.Must(template.New("block").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width,initial-scale=1">
<title>Block {{.Index}} - supplyledger</title>
<style>` + explorerCSS + `</style>
</head>
<body>
<h1><a href="/" style="text-decoration:none;color:#eee"><span class="g">$</span> supplyledger <span class="d">viewer</span></a></h1>

<div class="nav">
{{if .HasPrev}}<a href="/block/{{.PrevIndex}}">← Block {{.PrevIndex}}</a>{{end}}
{{if .HasNext}}<a href="/block/{{.NextIndex}}">Block {{.NextIndex}} →</a>{{end}}
</div>

<h2><span class="g">#</span> block {{.Index}}{{if .IsGenesis}} <span class="d">(genesis)</span>{{end}}</h2>
<div class="box">
<div class="prop"><div class="prop-k">Hash</div><div class="prop-v hash">{{.Hash}} {{if not .SelfOK}}<span class="bad">does not match contents</span>{{end}}</div></div>
<div class="prop"><div class="prop-k">Previous</div><div class="prop-v hash">{{if .HasPrev}}<a href="/block/{{.PrevHash}}">{{.PrevHash}}</a>{{else}}{{.PrevHash}}{{end}}</div></div>
<div class="prop"><div class="prop-k">Time</div><div class="prop-v">{{.Time}}</div></div>
<div class="prop"><div class="prop-k">Difficulty</div><div class="prop-v">{{.Difficulty}}</div></div>
<div class="prop"><div class="prop-k">Nonce</div><div class="prop-v">{{.Nonce}}</div></div>
<div class="prop"><div class="prop-k">Receipt</div><div class="prop-v hash">{{.Receipt}}</div></div>
</div>

<h2><span class="g">#</span> data</h2>
<table>
<tr><th>Key</th><th>Value</th></tr>
{{range .Fields}}<tr><td>{{.Key}}</td><td>{{.Value}}</td></tr>
{{end}}
</table>

<footer><a href="/">← viewer</a> · <a href="/api/block/{{.Index}}">json</a></footer>
</body>
</html>`))
