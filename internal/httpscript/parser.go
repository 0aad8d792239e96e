// Package httpscript is the default, minimal Parser/Engine pair treqd's
// binary wires in. spec.md §1/§6 name the .http parser and the
// request-execution engine as collaborator interfaces consumed, not
// implemented, by the core service; this package is the reference
// implementation that makes `cmd/treqd` runnable out of the box, built
// the same way the teacher reaches for net/http directly (see
// internal/secrets/aws.go's AWSProvider) rather than an HTTP framework.
package httpscript

import (
	"bufio"
	"strings"

	"github.com/treqd/treqd/internal/service"
)

// Parser implements service.Parser over a small, line-oriented .http
// grammar: blocks separated by "###", a request line, headers, a blank
// line, then an optional body.
type Parser struct{}

func NewParser() *Parser { return &Parser{} }

func (p *Parser) Parse(text string) ([]service.ParsedRequest, error) {
	blocks := splitBlocks(text)
	var out []service.ParsedRequest
	for _, block := range blocks {
		req, ok := parseBlock(block)
		if ok {
			out = append(out, req)
		}
	}
	return out, nil
}

func splitBlocks(text string) []string {
	var blocks []string
	var cur strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(text))
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "###") {
			blocks = append(blocks, cur.String())
			cur.Reset()
			continue
		}
		cur.WriteString(line)
		cur.WriteByte('\n')
	}
	blocks = append(blocks, cur.String())
	return blocks
}

func parseBlock(block string) (service.ParsedRequest, bool) {
	lines := strings.Split(block, "\n")

	i := 0
	name := ""
	for i < len(lines) {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" {
			i++
			continue
		}
		if strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "//") {
			if n, ok := strings.CutPrefix(trimmed, "# @name"); ok {
				name = strings.TrimSpace(n)
			} else if n, ok := strings.CutPrefix(trimmed, "// @name"); ok {
				name = strings.TrimSpace(n)
			}
			i++
			continue
		}
		break
	}
	if i >= len(lines) {
		return service.ParsedRequest{}, false
	}

	reqLine := strings.Fields(strings.TrimSpace(lines[i]))
	if len(reqLine) < 2 {
		return service.ParsedRequest{}, false
	}
	method := strings.ToUpper(reqLine[0])
	url := reqLine[1]
	i++

	headers := map[string]string{}
	for i < len(lines) {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" {
			i++
			break
		}
		colon := strings.Index(trimmed, ":")
		if colon < 0 {
			break
		}
		headers[strings.TrimSpace(trimmed[:colon])] = strings.TrimSpace(trimmed[colon+1:])
		i++
	}

	body := strings.TrimRight(strings.Join(lines[i:], "\n"), "\n")

	return service.ParsedRequest{
		Method:  method,
		URL:     url,
		Name:    name,
		Headers: headers,
		Body:    body,
		Raw:     block,
	}, true
}
