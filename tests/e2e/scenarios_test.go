package e2e

import (
	"fmt"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Execute against a live upstream", func() {
	It("interpolates session variables into the outbound request", func() {
		var gotAuth string
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			w.WriteHeader(http.StatusOK)
		}))
		defer upstream.Close()

		createResp := bearerPostJSON("/session", staticToken, mustJSON(map[string]any{
			"variables": map[string]any{"token": "abc"},
		}))
		var session map[string]any
		decodeJSONBody(createResp.Body, &session)
		Expect(createResp.StatusCode).To(Equal(http.StatusCreated))
		sessionID := session["id"].(string)
		Expect(session["snapshotVersion"]).To(Equal(float64(1)))

		execResp := bearerPostJSON("/execute", staticToken, mustJSON(map[string]any{
			"content":   "GET {{baseUrl}}\nAuthorization: Bearer {{token}}\n",
			"sessionId": sessionID,
			"variables": map[string]any{"baseUrl": upstream.URL},
		}))
		Expect(execResp.StatusCode).To(Equal(http.StatusOK))
		var exec map[string]any
		decodeJSONBody(execResp.Body, &exec)

		Expect(gotAuth).To(Equal("Bearer abc"))

		session, ok := exec["session"].(map[string]any)
		Expect(ok).To(BeTrue(), "execute response should carry a session descriptor")
		Expect(session["id"]).To(Equal(sessionID))
		Expect(session["snapshotVersion"]).To(Equal(float64(1)), "no cookie was set, snapshot should not move")
	})

	It("bumps the snapshot version and records cookies when upstream sets one", func() {
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Cookie") == "" {
				http.SetCookie(w, &http.Cookie{Name: "s", Value: "1", Path: "/"})
			}
			w.WriteHeader(http.StatusOK)
		}))
		defer upstream.Close()

		createResp := bearerPostJSON("/session", staticToken, mustJSON(map[string]any{}))
		var session map[string]any
		decodeJSONBody(createResp.Body, &session)
		sessionID := session["id"].(string)

		first := bearerPostJSON("/execute", staticToken, mustJSON(map[string]any{
			"content":   fmt.Sprintf("GET %s\n", upstream.URL),
			"sessionId": sessionID,
		}))
		Expect(first.StatusCode).To(Equal(http.StatusOK))
		first.Body.Close()

		afterFirst := bearerGet("/session/" + sessionID)
		var viewAfterFirst map[string]any
		decodeJSONBody(afterFirst.Body, &viewAfterFirst)
		Expect(viewAfterFirst["cookieCount"]).To(BeNumerically(">=", 1))
		Expect(viewAfterFirst["snapshotVersion"]).To(Equal(float64(2)))

		second := bearerPostJSON("/execute", staticToken, mustJSON(map[string]any{
			"content":   fmt.Sprintf("GET %s\n", upstream.URL),
			"sessionId": sessionID,
		}))
		Expect(second.StatusCode).To(Equal(http.StatusOK))
		second.Body.Close()

		afterSecond := bearerGet("/session/" + sessionID)
		var viewAfterSecond map[string]any
		decodeJSONBody(afterSecond.Body, &viewAfterSecond)
		Expect(viewAfterSecond["snapshotVersion"]).To(Equal(float64(2)), "cookie already known, second round trip carries it without re-bumping")
	})

	It("rejects paths that escape the workspace", func() {
		resp := bearerPostJSON("/execute", staticToken, mustJSON(map[string]any{
			"path": "../etc/passwd",
		}))
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusForbidden))

		var body map[string]any
		decodeJSONBody(resp.Body, &body)
	})
})

var _ = Describe("Script-token scoping", func() {
	It("rejects a request whose flowId does not match the token's scope", func() {
		token, _, err := authenticator.IssueScriptToken("F1", "S1")
		Expect(err).NotTo(HaveOccurred())

		resp := bearerPostJSON("/execute", token, mustJSON(map[string]any{
			"content":   "GET http://example.invalid\n",
			"flowId":    "F2",
			"sessionId": "S1",
		}))
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusForbidden))
	})
})
