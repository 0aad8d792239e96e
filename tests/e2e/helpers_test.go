package e2e

import (
	"bytes"
	"encoding/json"
	"io"
)

func httpBody(b []byte) *bytes.Reader {
	return bytes.NewReader(b)
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func decodeJSONBody(body io.ReadCloser, dst any) {
	defer body.Close()
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		panic(err)
	}
}
