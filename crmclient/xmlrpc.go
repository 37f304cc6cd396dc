package crmclient

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"strconv"
	"strings"
)

// encodeCall renders the execute_kw method call. Positional parameters:
// database, user id, password, model, method, the argument array
// [false, base64(message)], and an empty keyword-argument struct. All
// interpolated text is XML-escaped; credentials and header-derived
// content must never be able to break out of the markup.
func (c *Client) encodeCall(message []byte) []byte {
	var b bytes.Buffer
	b.WriteString(xml.Header)
	b.WriteString("<methodCall><methodName>execute_kw</methodName><params>")
	writeStringParam(&b, c.db)
	writeIntParam(&b, c.uid)
	writeStringParam(&b, c.password)
	writeStringParam(&b, targetModel)
	writeStringParam(&b, targetMethod)
	b.WriteString("<param><value><array><data>")
	b.WriteString("<value><boolean>0</boolean></value>")
	writeStringValue(&b, base64.StdEncoding.EncodeToString(message))
	b.WriteString("</data></array></value></param>")
	b.WriteString("<param><value><struct></struct></value></param>")
	b.WriteString("</params></methodCall>")
	return b.Bytes()
}

func writeStringValue(b *bytes.Buffer, s string) {
	b.WriteString("<value><string>")
	_ = xml.EscapeText(b, []byte(s))
	b.WriteString("</string></value>")
}

func writeStringParam(b *bytes.Buffer, s string) {
	b.WriteString("<param>")
	writeStringValue(b, s)
	b.WriteString("</param>")
}

func writeIntParam(b *bytes.Buffer, n int) {
	b.WriteString("<param><value><int>")
	b.WriteString(strconv.Itoa(n))
	b.WriteString("</int></value></param>")
}

type xmlValue struct {
	Int     *string     `xml:"int"`
	I4      *string     `xml:"i4"`
	Boolean *string     `xml:"boolean"`
	String  *string     `xml:"string"`
	Members []xmlMember `xml:"struct>member"`
	Raw     string      `xml:",chardata"`
}

type xmlMember struct {
	Name  string   `xml:"name"`
	Value xmlValue `xml:"value"`
}

type xmlMethodResponse struct {
	XMLName xml.Name   `xml:"methodResponse"`
	Params  []xmlValue `xml:"params>param>value"`
	Fault   *xmlValue  `xml:"fault>value"`
}

type response struct {
	fault  *xmlValue
	result *xmlValue
}

func parseResponse(body []byte) (*response, error) {
	var mr xmlMethodResponse
	if err := xml.Unmarshal(body, &mr); err != nil {
		return nil, err
	}
	rsp := &response{fault: mr.Fault}
	if len(mr.Params) > 0 {
		rsp.result = &mr.Params[0]
	}
	return rsp, nil
}

// text extracts a human-readable payload from a value: the faultString
// member of a fault struct, a plain string value, or the bare character
// data an untyped value carries.
func (v *xmlValue) text() string {
	for _, m := range v.Members {
		if m.Name == "faultString" {
			return m.Value.text()
		}
	}
	if v.String != nil {
		return *v.String
	}
	return strings.TrimSpace(v.Raw)
}

func (v *xmlValue) intValue() (int64, bool) {
	raw := v.Int
	if raw == nil {
		raw = v.I4
	}
	if raw == nil {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(*raw), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (v *xmlValue) boolValue() (bool, bool) {
	if v.Boolean == nil {
		return false, false
	}
	switch strings.ToLower(strings.TrimSpace(*v.Boolean)) {
	case "1", "true":
		return true, true
	default:
		return false, true
	}
}
