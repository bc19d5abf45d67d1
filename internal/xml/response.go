package xml

import (
	"fmt"
	"strings"

	"github.com/beevik/etree"
)

// MultistatusResponse represents a multistatus response. SyncToken is only
// set on sync-collection replies.
type MultistatusResponse struct {
	Responses []Response
	SyncToken string
}

// Response represents a single response within a multistatus. Status is the
// response-level status, used by sync-collection for removed members.
type Response struct {
	Href      string
	PropStats []PropStat
	Status    string
	Error     []Name
}

// PropStat represents property status in a response
type PropStat struct {
	Props  []Property
	Status string
}

// Prop returns the named property from the first successful propstat.
func (r *Response) Prop(name Name) (Property, bool) {
	for _, ps := range r.PropStats {
		if code := StatusCode(ps.Status); code != 0 && (code < 200 || code > 299) {
			continue
		}
		for _, p := range ps.Props {
			if p.Name == name {
				return p, true
			}
		}
	}
	return Property{}, false
}

// PropText returns the trimmed text of the named property, or "".
func (r *Response) PropText(name Name) string {
	p, ok := r.Prop(name)
	if !ok {
		return ""
	}
	return strings.TrimSpace(p.TextContent)
}

// StatusCode returns the response-level status code, or 0 if absent.
func (r *Response) StatusCode() int {
	return StatusCode(r.Status)
}

// Parse parses a multistatus response from an XML document
func (m *MultistatusResponse) Parse(doc *etree.Document) error {
	if doc == nil || doc.Root() == nil {
		return fmt.Errorf("empty document")
	}

	root := doc.Root()
	if !matches(root, tagMultistatus) {
		return fmt.Errorf("invalid root tag: %s", root.Tag)
	}

	m.Responses = nil
	m.SyncToken = ""
	if token := findChild(root, PropSyncToken); token != nil {
		m.SyncToken = strings.TrimSpace(token.Text())
	}

	for _, respElem := range findChildren(root, tagResponse) {
		resp := Response{}
		if hrefElem := findChild(respElem, tagHref); hrefElem != nil {
			resp.Href = strings.TrimSpace(hrefElem.Text())
		}
		if statusElem := findChild(respElem, tagStatus); statusElem != nil {
			resp.Status = strings.TrimSpace(statusElem.Text())
		}
		if errorElem := findChild(respElem, tagError); errorElem != nil {
			for _, c := range errorElem.ChildElements() {
				resp.Error = append(resp.Error, nameOf(c))
			}
		}

		for _, propstatElem := range findChildren(respElem, tagPropstat) {
			propstat := PropStat{}
			if propElem := findChild(propstatElem, tagProp); propElem != nil {
				for _, prop := range propElem.ChildElements() {
					propstat.Props = append(propstat.Props, propertyFrom(prop))
				}
			}
			if statusElem := findChild(propstatElem, tagStatus); statusElem != nil {
				propstat.Status = strings.TrimSpace(statusElem.Text())
			}
			resp.PropStats = append(resp.PropStats, propstat)
		}

		m.Responses = append(m.Responses, resp)
	}

	return nil
}

// ParseMultistatus reads a multistatus body.
func ParseMultistatus(data []byte) (*MultistatusResponse, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, fmt.Errorf("failed to parse XML: %w", err)
	}
	var m MultistatusResponse
	if err := m.Parse(doc); err != nil {
		return nil, err
	}
	return &m, nil
}

// ToXML converts a MultistatusResponse to an XML document
func (m *MultistatusResponse) ToXML() *etree.Document {
	doc, root := newDocument(tagMultistatus, DAV, CalDAV, CalendarServer)

	for _, resp := range m.Responses {
		response := createChild(root, tagResponse)
		createChild(response, tagHref).SetText(resp.Href)

		for _, propstat := range resp.PropStats {
			ps := createChild(response, tagPropstat)
			prop := createChild(ps, tagProp)
			for _, p := range propstat.Props {
				p.toElement(prop)
			}
			createChild(ps, tagStatus).SetText(propstat.Status)
		}
		if resp.Status != "" {
			createChild(response, tagStatus).SetText(resp.Status)
		}
		if len(resp.Error) > 0 {
			e := createChild(response, tagError)
			for _, name := range resp.Error {
				createChild(e, name)
			}
		}
	}

	if m.SyncToken != "" {
		createChild(root, PropSyncToken).SetText(m.SyncToken)
	}
	return doc
}
