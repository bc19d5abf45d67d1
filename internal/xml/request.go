package xml

import (
	"fmt"
	"strings"

	"github.com/beevik/etree"
)

// RootName returns the qualified name of the document root, used to tell
// REPORT bodies apart.
func RootName(doc *etree.Document) (Name, error) {
	if doc == nil || doc.Root() == nil {
		return Name{}, fmt.Errorf("empty document")
	}
	return nameOf(doc.Root()), nil
}

func parseProps(root *etree.Element) []Name {
	prop := findChild(root, tagProp)
	if prop == nil {
		return nil
	}
	var out []Name
	for _, p := range prop.ChildElements() {
		out = append(out, nameOf(p))
	}
	return out
}

func writeProps(root *etree.Element, props []Name) {
	if len(props) == 0 {
		return
	}
	prop := createChild(root, tagProp)
	for _, name := range props {
		createChild(prop, name)
	}
}

func spacesOf(props []Name, base ...string) []string {
	out := append([]string(nil), base...)
	for _, p := range props {
		out = append(out, p.Space)
	}
	return out
}

// PropfindRequest represents a PROPFIND request
type PropfindRequest struct {
	Props   []Name
	AllProp bool
}

// Parse parses a PROPFIND request from an XML document. An empty body is an
// allprop request.
func (r *PropfindRequest) Parse(doc *etree.Document) error {
	r.Props = nil
	r.AllProp = false
	if doc == nil || doc.Root() == nil {
		r.AllProp = true
		return nil
	}

	root := doc.Root()
	if !matches(root, tagPropfind) {
		return fmt.Errorf("invalid root tag: %s", root.Tag)
	}
	if findChild(root, Name{DAV, "allprop"}) != nil {
		r.AllProp = true
	}
	r.Props = parseProps(root)
	return nil
}

// ToXML converts a PropfindRequest to an XML document
func (r *PropfindRequest) ToXML() *etree.Document {
	doc, root := newDocument(tagPropfind, spacesOf(r.Props, DAV)...)
	if r.AllProp || len(r.Props) == 0 {
		createChild(root, Name{DAV, "allprop"})
		return doc
	}
	writeProps(root, r.Props)
	return doc
}

// SyncCollectionRequest represents a sync-collection REPORT request
type SyncCollectionRequest struct {
	SyncToken string
	SyncLevel string
	Props     []Name
}

// Parse parses a sync-collection request from an XML document
func (r *SyncCollectionRequest) Parse(doc *etree.Document) error {
	if doc == nil || doc.Root() == nil {
		return fmt.Errorf("empty document")
	}

	root := doc.Root()
	if !matches(root, tagSyncColl) {
		return fmt.Errorf("invalid root tag: %s", root.Tag)
	}

	r.SyncToken = ""
	r.SyncLevel = ""
	if token := findChild(root, PropSyncToken); token != nil {
		r.SyncToken = strings.TrimSpace(token.Text())
	}
	if level := findChild(root, tagSyncLevel); level != nil {
		r.SyncLevel = strings.TrimSpace(level.Text())
	}
	r.Props = parseProps(root)
	return nil
}

// ToXML converts a SyncCollectionRequest to an XML document. An empty token
// asks for the initial listing.
func (r *SyncCollectionRequest) ToXML() *etree.Document {
	doc, root := newDocument(tagSyncColl, spacesOf(r.Props, DAV)...)

	token := createChild(root, PropSyncToken)
	token.SetText(r.SyncToken)

	level := r.SyncLevel
	if level == "" {
		level = "1"
	}
	createChild(root, tagSyncLevel).SetText(level)

	writeProps(root, r.Props)
	return doc
}

// CalendarQueryRequest represents a calendar-query REPORT that lists every
// object containing Component.
type CalendarQueryRequest struct {
	Props     []Name
	Component string
}

// Parse parses a calendar-query request. Only the innermost comp-filter
// name is kept.
func (r *CalendarQueryRequest) Parse(doc *etree.Document) error {
	if doc == nil || doc.Root() == nil {
		return fmt.Errorf("empty document")
	}

	root := doc.Root()
	if !matches(root, tagCalQuery) {
		return fmt.Errorf("invalid root tag: %s", root.Tag)
	}

	r.Props = parseProps(root)
	r.Component = ""
	filter := findChild(root, tagFilter)
	if filter == nil {
		return nil
	}
	for comp := findChild(filter, tagCompFilter); comp != nil; comp = findChild(comp, tagCompFilter) {
		r.Component = comp.SelectAttrValue("name", "")
	}
	return nil
}

// ToXML converts a CalendarQueryRequest to an XML document
func (r *CalendarQueryRequest) ToXML() *etree.Document {
	doc, root := newDocument(tagCalQuery, spacesOf(r.Props, DAV, CalDAV)...)
	writeProps(root, r.Props)

	filter := createChild(root, tagFilter)
	cal := createChild(filter, tagCompFilter)
	cal.CreateAttr("name", "VCALENDAR")
	if r.Component != "" {
		comp := createChild(cal, tagCompFilter)
		comp.CreateAttr("name", r.Component)
	}
	return doc
}
