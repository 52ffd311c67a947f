package main

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/org/ciphershare/internal/crypto"
)

var errBadLink = errors.New("link must look like <address>/s/<id>#<key>")

// shareLink is a parsed share link. The key lives in the fragment, which
// browsers and this client never send to the server.
type shareLink struct {
	Addr  string
	Token string
	Key   []byte
}

func formatLink(addr, token string, key []byte) string {
	return fmt.Sprintf("%s/s/%s#%s", strings.TrimRight(addr, "/"), token, crypto.EncodeLinkKey(key))
}

func parseLink(s string) (shareLink, error) {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return shareLink{}, errBadLink
	}
	base, token, ok := strings.Cut(u.Path, "/s/")
	if !ok || token == "" || strings.Contains(token, "/") {
		return shareLink{}, errBadLink
	}
	key, err := crypto.DecodeLinkKey(u.Fragment)
	if err != nil {
		return shareLink{}, err
	}
	return shareLink{
		Addr:  u.Scheme + "://" + u.Host + base,
		Token: token,
		Key:   key,
	}, nil
}
