package merge

import (
	"encoding/xml"
	"strings"
)

// rawNode is a verbatim pass-through XML element: its own attributes are
// captured, its children are kept as unparsed inner XML. This is the same
// shape internal/tuner/xmltv.go uses (xmlRawNode) to copy unknown channel/
// programme content through a remap without needing to model every XMLTV
// sub-element.
type rawNode struct {
	XMLName  xml.Name   `xml:""`
	Attrs    []xml.Attr `xml:",any,attr"`
	InnerXML string     `xml:",innerxml"`
}

func attrValue(attrs []xml.Attr, local string) string {
	for _, a := range attrs {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

// firstChildText extracts the character data of the first child element
// named local (e.g. "title"), ignoring nested markup — matching the
// teacher's xmlNodeText helper, which only ever looks at chardata.
func firstChildText(innerXML, local string) string {
	wrapped := "<root>" + innerXML + "</root>"
	dec := xml.NewDecoder(strings.NewReader(wrapped))
	depth := 0
	for {
		tok, err := dec.Token()
		if err != nil {
			return ""
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if depth == 2 && t.Name.Local == local {
				var v struct {
					Text string `xml:",chardata"`
				}
				if err := dec.DecodeElement(&v, &t); err != nil {
					return ""
				}
				return v.Text
			}
		case xml.EndElement:
			depth--
		}
	}
}
