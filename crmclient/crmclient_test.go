package crmclient

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	port, _ := strconv.Atoi(portStr)
	c, err := New(u.Scheme, host, port, "company", 2, "password")
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	return c, srv
}

func respond(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, body)
	}
}

func TestEndpoint(t *testing.T) {
	t.Parallel()

	c, err := New("https", "crm.example.com", 443, "company", 2, "password")
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	assert.Equal(t, "https://crm.example.com:443/xmlrpc/2/object", c.Endpoint())
}

func TestEncodeCall(t *testing.T) {
	t.Parallel()

	c, err := New("https", "crm.example.com", 443, "company", 2, `pass<&>"word`)
	if !assert.NoError(t, err) {
		t.FailNow()
	}
	message := []byte("Subject: hi\r\n\r\nbody")
	call := string(c.encodeCall(message))

	assert.Contains(t, call, "<methodName>execute_kw</methodName>")
	assert.Contains(t, call, "<value><string>company</string></value>")
	assert.Contains(t, call, "<value><int>2</int></value>")
	assert.Contains(t, call, "<value><string>mail.thread</string></value>")
	assert.Contains(t, call, "<value><string>message_process</string></value>")
	assert.Contains(t, call, "<value><boolean>0</boolean></value>")
	assert.Contains(t, call, "<value><string>"+base64.StdEncoding.EncodeToString(message)+"</string></value>")
	assert.Contains(t, call, "<struct></struct>")
	// markup-special characters in credentials never reach the body raw
	assert.NotContains(t, call, `pass<&>"word`)
	assert.Contains(t, call, "pass&lt;&amp;&gt;&#34;word")
}

func TestDeliverRequest(t *testing.T) {
	t.Parallel()

	var contentType string
	var path string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		path = r.URL.Path
		io.WriteString(w, "<?xml version=\"1.0\"?><methodResponse><params><param><value><int>42</int></value></param></params></methodResponse>")
	})
	id, err := c.Deliver(context.Background(), []byte("Subject: hi\r\n\r\n"))
	assert.NoError(t, err)
	assert.Equal(t, int64(42), id)
	assert.Equal(t, "application/xml", contentType)
	assert.Equal(t, "/xmlrpc/2/object", path)
}

func TestDeliverClassification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		body   string
		status int
		id     int64
		reason string
	}{
		{
			name: "positive int succeeds",
			body: "<?xml version=\"1.0\"?><methodResponse><params><param><value><int>7</int></value></param></params></methodResponse>",
			id:   7,
		},
		{
			name: "i4 succeeds",
			body: "<?xml version=\"1.0\"?><methodResponse><params><param><value><i4>7</i4></value></param></params></methodResponse>",
			id:   7,
		},
		{
			name:   "zero id fails",
			body:   "<?xml version=\"1.0\"?><methodResponse><params><param><value><int>0</int></value></param></params></methodResponse>",
			reason: "invalid record id",
		},
		{
			name:   "negative id fails",
			body:   "<?xml version=\"1.0\"?><methodResponse><params><param><value><int>-3</int></value></param></params></methodResponse>",
			reason: "invalid record id",
		},
		{
			name: "true boolean succeeds",
			body: "<?xml version=\"1.0\"?><methodResponse><params><param><value><boolean>1</boolean></value></param></params></methodResponse>",
		},
		{
			name:   "false boolean fails",
			body:   "<?xml version=\"1.0\"?><methodResponse><params><param><value><boolean>0</boolean></value></param></params></methodResponse>",
			reason: "rejected by CRM",
		},
		{
			name: "route fault is translated",
			body: "<?xml version=\"1.0\"?><methodResponse><fault><value><struct>" +
				"<member><name>faultCode</name><value><int>1</int></value></member>" +
				"<member><name>faultString</name><value><string>ValueError: No possible route found for incoming message from sender@x.test. Create an appropriate mail.alias or force the destination model.</string></value></member>" +
				"</struct></value></fault></methodResponse>",
			reason: "mailbox not found or no valid route",
		},
		{
			name: "other fault surfaces verbatim",
			body: "<?xml version=\"1.0\"?><methodResponse><fault><value><struct>" +
				"<member><name>faultCode</name><value><int>2</int></value></member>" +
				"<member><name>faultString</name><value><string>AccessDenied</string></value></member>" +
				"</struct></value></fault></methodResponse>",
			reason: "AccessDenied",
		},
		{
			name:   "string result is unexpected",
			body:   "<?xml version=\"1.0\"?><methodResponse><params><param><value><string>ok</string></value></param></params></methodResponse>",
			reason: "unexpected response format",
		},
		{
			name:   "garbage is unexpected",
			body:   "this is not xml at all",
			reason: "unexpected response format",
		},
		{
			name:   "empty body is unexpected",
			body:   "",
			reason: "unexpected response format",
		},
		{
			name:   "non-2xx status wins over body",
			body:   "<?xml version=\"1.0\"?><methodResponse><params><param><value><int>7</int></value></param></params></methodResponse>",
			status: http.StatusBadGateway,
			reason: "502 Bad Gateway",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if c.status != 0 {
					w.WriteHeader(c.status)
				}
				io.WriteString(w, c.body)
			})
			id, err := client.Deliver(context.Background(), []byte("Subject: hi\r\n\r\n"))
			if c.reason == "" {
				assert.NoError(t, err)
				assert.Equal(t, c.id, id)
				return
			}
			if !assert.Error(t, err) {
				t.FailNow()
			}
			var derr *Error
			if assert.True(t, errors.As(err, &derr)) {
				assert.Equal(t, c.reason, derr.Reason)
				if c.status == 0 && c.body != "" {
					// failed classifications keep the body for logging
					assert.Equal(t, []byte(c.body), derr.Body)
				}
			}
		})
	}
}

func TestDeliverConnectionRefused(t *testing.T) {
	t.Parallel()

	c, srv := newTestClient(t, respond(""))
	srv.Close()
	_, err := c.Deliver(context.Background(), []byte("Subject: hi\r\n\r\n"))
	if !assert.Error(t, err) {
		t.FailNow()
	}
	var derr *Error
	if assert.True(t, errors.As(err, &derr)) {
		assert.True(t, strings.HasPrefix(derr.Reason, "unable to reach CRM"))
	}
}
