// Package dict reads low-level data-dictionary tables and derives
// foreign-key graphs, text-table associations, domain value sets and
// data-element metadata from them.
package dict

// FieldInfo describes a single table field as returned by the canonical
// field-info call.
type FieldInfo struct {
	FieldName         string `json:"fieldName"`
	DataElement       string `json:"dataElement"`
	Domain            string `json:"domain"`
	DataType          string `json:"dataType"`
	Length            int    `json:"length"`
	Decimals          int    `json:"decimals"`
	CheckTable        string `json:"checkTable"`
	FieldText         string `json:"fieldText"`
	ConversionRoutine string `json:"conversionRoutine"`
	IsKey             bool   `json:"isKey"`
	InternalType      string `json:"internalType"`
	RefTable          string `json:"refTable"`
	RefField          string `json:"refField"`
}

type RelationType string

const (
	RelationCheck RelationType = "CHECK"
	RelationText  RelationType = "TEXT"
)

// FieldPair maps one field of the source table to one field of the target.
type FieldPair struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Relation is one adjacency entry of the relationship graph.
type Relation struct {
	Target string       `json:"target"`
	Type   RelationType `json:"type"`
	Fields []FieldPair  `json:"fields"`
}

// TextTable describes a text-table association including the language key.
type TextTable struct {
	Table         string      `json:"table"`
	LanguageField string      `json:"languageField"`
	Fields        []FieldPair `json:"fields"`
}

// ForeignKeys is the result of the 4-step discovery protocol for one table.
type ForeignKeys struct {
	Table      string     `json:"table"`
	Relations  []Relation `json:"relations"`
	TextTables []TextTable `json:"textTables"`
}

// Graph is the adjacency list keyed by table name.
type Graph map[string][]Relation

// DomainValue is one entry of a domain's fixed-value list.
type DomainValue struct {
	Value       string `json:"value"`
	Description string `json:"description"`
}

// ElementTexts carries the language-qualified texts of a data element.
type ElementTexts struct {
	Short   string `json:"short"`
	Medium  string `json:"medium"`
	Long    string `json:"long"`
	Heading string `json:"heading"`
}

// DataElementInfo carries technical attributes and texts for one element.
type DataElementInfo struct {
	Name     string                  `json:"name"`
	Domain   string                  `json:"domain"`
	DataType string                  `json:"dataType"`
	Length   int                     `json:"length"`
	Decimals int                     `json:"decimals"`
	Texts    map[string]ElementTexts `json:"texts"` // keyed by language
}

// defaultLanguageField is assumed when a text-table association does not
// name its language key explicitly.
const defaultLanguageField = "SPRAS"
