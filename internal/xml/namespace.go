package xml

import "github.com/beevik/etree"

// Namespace definitions for CalDAV and WebDAV
const (
	// DAV is the WebDAV namespace
	DAV = "DAV:"
	// CalDAV is the CalDAV namespace
	CalDAV = "urn:ietf:params:xml:ns:caldav"
	// CalendarServer is the Calendar Server namespace, home of getctag
	CalendarServer = "http://calendarserver.org/ns/"
	// AppleICal carries calendar-color
	AppleICal = "http://apple.com/ns/ical/"
)

var prefixes = map[string]string{
	DAV:            "D",
	CalDAV:         "C",
	CalendarServer: "CS",
	AppleICal:      "IC",
}

// Name is a namespace-qualified element name.
type Name struct {
	Space string
	Local string
}

// Properties the sync client asks for or the test server reports.
var (
	PropGetETag              = Name{DAV, "getetag"}
	PropSyncToken            = Name{DAV, "sync-token"}
	PropResourceType         = Name{DAV, "resourcetype"}
	PropDisplayName          = Name{DAV, "displayname"}
	PropCurrentUserPrincipal = Name{DAV, "current-user-principal"}
	PropCalendarHomeSet      = Name{CalDAV, "calendar-home-set"}
	PropCalendarData         = Name{CalDAV, "calendar-data"}
	PropCurrentUserPrivSet   = Name{DAV, "current-user-privilege-set"}
	PropCalendarColor        = Name{AppleICal, "calendar-color"}
	PropGetCTag              = Name{CalendarServer, "getctag"}
)

// qualified returns the prefixed tag for n, e.g. "D:getetag".
func (n Name) qualified() string {
	if p, ok := prefixes[n.Space]; ok {
		return p + ":" + n.Local
	}
	return n.Local
}

// newDocument creates a document whose root element is name, declaring the
// standard prefixes for the given namespaces.
func newDocument(name Name, spaces ...string) (*etree.Document, *etree.Element) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	root := doc.CreateElement(name.qualified())
	seen := make(map[string]bool, len(spaces))
	for _, ns := range spaces {
		if p, ok := prefixes[ns]; ok && !seen[ns] {
			seen[ns] = true
			root.CreateAttr("xmlns:"+p, ns)
		}
	}
	return doc, root
}

// createChild appends a namespace-qualified child element to parent.
func createChild(parent *etree.Element, name Name) *etree.Element {
	return parent.CreateElement(name.qualified())
}

// matches reports whether elem is name. Elements without a resolvable
// namespace match on the local name alone.
func matches(elem *etree.Element, name Name) bool {
	if elem == nil || elem.Tag != name.Local {
		return false
	}
	ns := elem.NamespaceURI()
	return ns == "" || ns == name.Space
}

// nameOf returns the qualified name of elem.
func nameOf(elem *etree.Element) Name {
	return Name{Space: elem.NamespaceURI(), Local: elem.Tag}
}

// findChild returns the first direct child of parent named name.
func findChild(parent *etree.Element, name Name) *etree.Element {
	for _, c := range parent.ChildElements() {
		if matches(c, name) {
			return c
		}
	}
	return nil
}

// findChildren returns the direct children of parent named name.
func findChildren(parent *etree.Element, name Name) []*etree.Element {
	var out []*etree.Element
	for _, c := range parent.ChildElements() {
		if matches(c, name) {
			out = append(out, c)
		}
	}
	return out
}
