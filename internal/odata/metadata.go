package odata

import (
	"regexp"
	"strconv"
	"strings"
)

// Metadata is the structural model extracted from a $metadata document.
// The parser is deliberately regex-based: it extracts structural elements
// without validating the document schema, and malformed input yields a
// partial model rather than an error.
type Metadata struct {
	Version         string
	Schemas         []Schema
	EntityTypes     []EntityType
	EntitySets      []EntitySet
	ComplexTypes    []ComplexType
	Associations    []Association
	FunctionImports []FunctionImport
	Actions         []Action
}

type Schema struct {
	Namespace string
	Alias     string
}

type EntityType struct {
	Name                 string
	Namespace            string
	QualifiedName        string
	Keys                 []string
	Properties           []Property
	NavigationProperties []NavigationProperty
}

type Property struct {
	Name           string
	Type           string
	Nullable       bool
	MaxLength      int
	Precision      int
	Scale          int
	ExtAnnotations map[string]string
}

type NavigationProperty struct {
	Name         string
	Relationship string
	Type         string
	Partner      string
}

type EntitySet struct {
	Name       string
	EntityType string
}

type ComplexType struct {
	Name       string
	Properties []Property
}

type Association struct {
	Name string
	Ends []AssociationEnd
}

type AssociationEnd struct {
	Role         string
	Type         string
	Multiplicity string
}

type FunctionImport struct {
	Name       string
	ReturnType string
	HTTPMethod string
}

type Action struct {
	Name       string
	IsBound    bool
	ReturnType string
}

var (
	attrRe = regexp.MustCompile(`([\w:.-]+)\s*=\s*"([^"]*)"`)

	schemaOpenRe     = regexp.MustCompile(`<Schema\b[^>]*>`)
	entityTypeRe     = regexp.MustCompile(`(?s)<EntityType\b[^>]*>.*?</EntityType>`)
	complexTypeRe    = regexp.MustCompile(`(?s)<ComplexType\b[^>]*>.*?</ComplexType>`)
	associationRe    = regexp.MustCompile(`(?s)<Association\b[^>]*>.*?</Association>`)
	entitySetRe      = regexp.MustCompile(`<EntitySet\b[^>]*/?>`)
	functionImportRe = regexp.MustCompile(`<FunctionImport\b[^>]*/?>`)
	actionRe         = regexp.MustCompile(`(?s)<Action\b[^>]*>.*?</Action>|<Action\b[^>]*/>`)
	keyBlockRe       = regexp.MustCompile(`(?s)<Key>.*?</Key>`)
	propertyRefRe    = regexp.MustCompile(`<PropertyRef\b[^>]*/?>`)
	propertyRe       = regexp.MustCompile(`<Property\b[^>]*/?>`)
	navPropertyRe    = regexp.MustCompile(`<NavigationProperty\b[^>]*/?>`)
	endRe            = regexp.MustCompile(`<End\b[^>]*/?>`)
	openTagRe        = regexp.MustCompile(`<(EntityType|ComplexType|Association)\b[^>]*>`)
)

// ParseMetadata extracts the structural model from a dictionary-description
// document in either dialect, detected by its version marker.
func ParseMetadata(doc []byte) *Metadata {
	text := string(doc)
	meta := &Metadata{Version: detectVersion(text)}

	for _, match := range schemaOpenRe.FindAllString(text, -1) {
		attrs := attributes(match)
		meta.Schemas = append(meta.Schemas, Schema{
			Namespace: attrs["Namespace"],
			Alias:     attrs["Alias"],
		})
	}

	namespace := ""
	if len(meta.Schemas) > 0 {
		namespace = meta.Schemas[0].Namespace
	}

	for _, block := range entityTypeRe.FindAllString(text, -1) {
		meta.EntityTypes = append(meta.EntityTypes, parseEntityType(block, namespace))
	}

	for _, block := range complexTypeRe.FindAllString(text, -1) {
		attrs := attributes(openTagRe.FindString(block))
		meta.ComplexTypes = append(meta.ComplexTypes, ComplexType{
			Name:       attrs["Name"],
			Properties: parseProperties(block),
		})
	}

	for _, block := range associationRe.FindAllString(text, -1) {
		attrs := attributes(openTagRe.FindString(block))
		assoc := Association{Name: attrs["Name"]}
		for _, end := range endRe.FindAllString(block, -1) {
			endAttrs := attributes(end)
			assoc.Ends = append(assoc.Ends, AssociationEnd{
				Role:         endAttrs["Role"],
				Type:         endAttrs["Type"],
				Multiplicity: endAttrs["Multiplicity"],
			})
		}
		meta.Associations = append(meta.Associations, assoc)
	}

	for _, tag := range entitySetRe.FindAllString(text, -1) {
		attrs := attributes(tag)
		meta.EntitySets = append(meta.EntitySets, EntitySet{
			Name:       attrs["Name"],
			EntityType: attrs["EntityType"],
		})
	}

	for _, tag := range functionImportRe.FindAllString(text, -1) {
		attrs := attributes(tag)
		meta.FunctionImports = append(meta.FunctionImports, FunctionImport{
			Name:       attrs["Name"],
			ReturnType: attrs["ReturnType"],
			HTTPMethod: attrs["m:HttpMethod"],
		})
	}

	for _, block := range actionRe.FindAllString(text, -1) {
		attrs := attributes(block)
		meta.Actions = append(meta.Actions, Action{
			Name:       attrs["Name"],
			IsBound:    attrs["IsBound"] == "true",
			ReturnType: attrs["ReturnType"],
		})
	}

	return meta
}

func detectVersion(text string) string {
	if strings.Contains(text, `Version="4.0"`) {
		return "4.0"
	}
	if strings.Contains(text, `DataServiceVersion="2.0"`) || strings.Contains(text, `m:DataServiceVersion`) {
		return "2.0"
	}
	return "2.0"
}

func parseEntityType(block, namespace string) EntityType {
	attrs := attributes(openTagRe.FindString(block))
	et := EntityType{
		Name:      attrs["Name"],
		Namespace: namespace,
	}
	if namespace != "" {
		et.QualifiedName = namespace + "." + et.Name
	} else {
		et.QualifiedName = et.Name
	}

	if keyBlock := keyBlockRe.FindString(block); keyBlock != "" {
		for _, ref := range propertyRefRe.FindAllString(keyBlock, -1) {
			if name := attributes(ref)["Name"]; name != "" {
				et.Keys = append(et.Keys, name)
			}
		}
	}

	et.Properties = parseProperties(block)

	for _, nav := range navPropertyRe.FindAllString(block, -1) {
		navAttrs := attributes(nav)
		et.NavigationProperties = append(et.NavigationProperties, NavigationProperty{
			Name:         navAttrs["Name"],
			Relationship: navAttrs["Relationship"],
			Type:         navAttrs["Type"],
			Partner:      navAttrs["Partner"],
		})
	}
	return et
}

func parseProperties(block string) []Property {
	var props []Property
	for _, tag := range propertyRe.FindAllString(block, -1) {
		attrs := attributes(tag)
		prop := Property{
			Name:      attrs["Name"],
			Type:      attrs["Type"],
			Nullable:  attrs["Nullable"] != "false",
			MaxLength: atoiOrZero(attrs["MaxLength"]),
			Precision: atoiOrZero(attrs["Precision"]),
			Scale:     atoiOrZero(attrs["Scale"]),
		}
		for k, v := range attrs {
			if strings.Contains(k, ":") {
				if prop.ExtAnnotations == nil {
					prop.ExtAnnotations = make(map[string]string)
				}
				prop.ExtAnnotations[k] = v
			}
		}
		props = append(props, prop)
	}
	return props
}

// attributes tokenizes name="value" pairs from a tag, tolerating unknown
// attributes.
func attributes(tag string) map[string]string {
	attrs := make(map[string]string)
	for _, match := range attrRe.FindAllStringSubmatch(tag, -1) {
		attrs[match[1]] = match[2]
	}
	return attrs
}

func atoiOrZero(s string) int {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
