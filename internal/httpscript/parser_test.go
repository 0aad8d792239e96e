package httpscript

import "testing"

func TestParserSplitsBlocksOnHashes(t *testing.T) {
	text := "GET https://example.com/one\n###\nGET https://example.com/two\n"
	p := NewParser()
	reqs, err := p.Parse(text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(reqs) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(reqs))
	}
	if reqs[0].URL != "https://example.com/one" {
		t.Errorf("unexpected first url: %q", reqs[0].URL)
	}
	if reqs[1].URL != "https://example.com/two" {
		t.Errorf("unexpected second url: %q", reqs[1].URL)
	}
}

func TestParserCapturesNameDirective(t *testing.T) {
	text := "# @name login\nPOST https://example.com/login\nContent-Type: application/json\n\n{\"user\":\"a\"}\n"
	p := NewParser()
	reqs, err := p.Parse(text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d", len(reqs))
	}
	req := reqs[0]
	if req.Name != "login" {
		t.Errorf("expected name %q, got %q", "login", req.Name)
	}
	if req.Method != "POST" {
		t.Errorf("expected method POST, got %q", req.Method)
	}
	if req.Headers["Content-Type"] != "application/json" {
		t.Errorf("expected Content-Type header, got %v", req.Headers)
	}
	if req.Body != `{"user":"a"}` {
		t.Errorf("unexpected body: %q", req.Body)
	}
}

func TestParserSlashNameDirective(t *testing.T) {
	text := "// @name ping\nGET https://example.com/ping\n"
	p := NewParser()
	reqs, err := p.Parse(text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(reqs) != 1 || reqs[0].Name != "ping" {
		t.Fatalf("expected one ping-named request, got %+v", reqs)
	}
}

func TestParserSkipsEmptyBlocks(t *testing.T) {
	text := "###\n\n###\nGET https://example.com/only\n"
	p := NewParser()
	reqs, err := p.Parse(text)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(reqs) != 1 {
		t.Fatalf("expected 1 request, got %d: %+v", len(reqs), reqs)
	}
}
