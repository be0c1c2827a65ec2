package httpapi

import (
	"bufio"
	"net/http"
	"testing"
)

func newSSEReader(t *testing.T, resp *http.Response) *bufio.Scanner {
	t.Helper()
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return sc
}
