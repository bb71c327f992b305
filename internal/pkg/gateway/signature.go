package gateway

import (
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"net/url"
	"sort"
	"strings"
)

// sslcommerzVerifySign reproduces the IPN verify_sign: the fields named in
// verify_key plus store_passwd=md5(password), sorted by key, joined as a
// query string and hashed with MD5.
func sslcommerzVerifySign(values url.Values, storePassword string) (string, bool) {
	verifyKey := values.Get("verify_key")
	if verifyKey == "" {
		return "", false
	}

	fields := map[string]string{
		"store_passwd": md5Hex(storePassword),
	}
	for _, key := range strings.Split(verifyKey, ",") {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		fields[key] = values.Get(key)
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(fields[k])
	}
	return md5Hex(b.String()), true
}

func verifySSLCommerzSignature(values url.Values, storePassword string) bool {
	given := strings.ToLower(strings.TrimSpace(values.Get("verify_sign")))
	if given == "" {
		return false
	}
	expected, ok := sslcommerzVerifySign(values, storePassword)
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(given)) == 1
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
