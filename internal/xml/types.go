package xml

import (
	"strconv"
	"strings"

	"github.com/beevik/etree"
)

// Common XML tag names used in CalDAV
var (
	tagMultistatus = Name{DAV, "multistatus"}
	tagResponse    = Name{DAV, "response"}
	tagHref        = Name{DAV, "href"}
	tagPropstat    = Name{DAV, "propstat"}
	tagProp        = Name{DAV, "prop"}
	tagStatus      = Name{DAV, "status"}
	tagError       = Name{DAV, "error"}
	tagPropfind    = Name{DAV, "propfind"}
	tagSyncColl    = Name{DAV, "sync-collection"}
	tagSyncLevel   = Name{DAV, "sync-level"}
	tagCalQuery    = Name{CalDAV, "calendar-query"}
	tagFilter      = Name{CalDAV, "filter"}
	tagCompFilter  = Name{CalDAV, "comp-filter"}
)

// PreconditionValidSyncToken is reported in a DAV:error body when a
// sync-collection token has expired.
var PreconditionValidSyncToken = Name{DAV, "valid-sync-token"}

// Property represents a generic XML property
type Property struct {
	Name        Name
	TextContent string
	Children    []Property
}

// Href returns the text of the first DAV:href child, as used by
// current-user-principal and calendar-home-set.
func (p Property) Href() string {
	for _, c := range p.Children {
		if c.Name == tagHref {
			return strings.TrimSpace(c.TextContent)
		}
	}
	return ""
}

// Has reports whether p has a direct child named name.
func (p Property) Has(name Name) bool {
	for _, c := range p.Children {
		if c.Name == name {
			return true
		}
	}
	return false
}

// toElement appends p to parent.
func (p Property) toElement(parent *etree.Element) {
	elem := createChild(parent, p.Name)
	if p.Name.Space != "" && elem.NamespaceURI() != p.Name.Space {
		if prefix, known := prefixes[p.Name.Space]; known {
			elem.CreateAttr("xmlns:"+prefix, p.Name.Space)
		} else {
			elem.CreateAttr("xmlns", p.Name.Space)
		}
	}
	if p.TextContent != "" {
		elem.SetText(p.TextContent)
	}
	for _, child := range p.Children {
		child.toElement(elem)
	}
}

// propertyFrom builds a Property from an element.
func propertyFrom(elem *etree.Element) Property {
	p := Property{Name: nameOf(elem), TextContent: elem.Text()}
	for _, child := range elem.ChildElements() {
		p.Children = append(p.Children, propertyFrom(child))
	}
	return p
}

// StatusCode extracts the numeric code from a status line such as
// "HTTP/1.1 404 Not Found". It returns 0 when the line is unparsable.
func StatusCode(status string) int {
	fields := strings.Fields(status)
	if len(fields) < 2 {
		return 0
	}
	code, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0
	}
	return code
}

// StatusLine formats code as a DAV:status line.
func StatusLine(code int, text string) string {
	return "HTTP/1.1 " + strconv.Itoa(code) + " " + text
}

// ParseError reads the precondition names out of a DAV:error document.
func ParseError(data []byte) []Name {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil
	}
	root := doc.Root()
	if !matches(root, tagError) {
		return nil
	}
	var out []Name
	for _, c := range root.ChildElements() {
		out = append(out, nameOf(c))
	}
	return out
}

// ErrorDocument builds a DAV:error body naming one precondition.
func ErrorDocument(precondition Name) *etree.Document {
	doc, root := newDocument(tagError, DAV, precondition.Space)
	createChild(root, precondition)
	return doc
}
