package relaycache

import (
	"fmt"
	"strings"
)

type PropertyKind string

const (
	PropertyTitle       PropertyKind = "title"
	PropertyRichText    PropertyKind = "rich_text"
	PropertyNumber      PropertyKind = "number"
	PropertySelect      PropertyKind = "select"
	PropertyStatus      PropertyKind = "status"
	PropertyMultiSelect PropertyKind = "multi_select"
	PropertyDate        PropertyKind = "date"
	PropertyRelation    PropertyKind = "relation"
	PropertyPeople      PropertyKind = "people"
	PropertyCheckbox    PropertyKind = "checkbox"
	PropertyURL         PropertyKind = "url"
	PropertyEmail       PropertyKind = "email"
	PropertyFormula     PropertyKind = "formula"
	PropertyRollup      PropertyKind = "rollup"
)

// PropertyMapping ties one snapshot field to one database property.
type PropertyMapping struct {
	Field    string       `yaml:"field" json:"field"`
	Property string       `yaml:"property" json:"property"`
	Kind     PropertyKind `yaml:"kind" json:"kind"`
	// Single collapses a relation to its first id.
	Single bool `yaml:"single,omitempty" json:"single,omitempty"`
}

func (m PropertyMapping) readOnly() bool {
	return m.Kind == PropertyFormula || m.Kind == PropertyRollup
}

func DefaultPropertyMappings() map[EntityType][]PropertyMapping {
	return map[EntityType][]PropertyMapping{
		EntityTask: {
			{Field: "title", Property: "Name", Kind: PropertyTitle},
			{Field: "status", Property: "Status", Kind: PropertyStatus},
			{Field: "assignedMembers", Property: "Assignees", Kind: PropertyRelation},
			{Field: "projectId", Property: "Project", Kind: PropertyRelation, Single: true},
			{Field: "teamIds", Property: "Teams", Kind: PropertyRelation},
			{Field: "workPeriod", Property: "Work Period", Kind: PropertyDate},
			{Field: "billedHours", Property: "Billed Hours", Kind: PropertyNumber},
			{Field: "actualHours", Property: "Actual Hours", Kind: PropertyRollup},
			{Field: "notes", Property: "Notes", Kind: PropertyRichText},
		},
		EntityProject: {
			{Field: "name", Property: "Name", Kind: PropertyTitle},
			{Field: "status", Property: "Status", Kind: PropertySelect},
			{Field: "clientId", Property: "Client", Kind: PropertyRelation, Single: true},
			{Field: "teamIds", Property: "Teams", Kind: PropertyRelation},
			{Field: "budgetHours", Property: "Budget Hours", Kind: PropertyNumber},
		},
		EntityMember: {
			{Field: "name", Property: "Name", Kind: PropertyTitle},
			{Field: "email", Property: "Email", Kind: PropertyEmail},
			{Field: "teamIds", Property: "Teams", Kind: PropertyRelation},
		},
		EntityTeam: {
			{Field: "name", Property: "Name", Kind: PropertyTitle},
			{Field: "memberIds", Property: "Members", Kind: PropertyRelation},
		},
		EntityClient: {
			{Field: "name", Property: "Name", Kind: PropertyTitle},
			{Field: "color", Property: "Color", Kind: PropertySelect},
		},
	}
}

// PropertyCodec converts between Notion page objects and flat snapshots.
type PropertyCodec struct {
	mappings map[EntityType][]PropertyMapping
}

// NewPropertyCodec builds a codec; entity types absent from mappings use the defaults.
func NewPropertyCodec(mappings map[EntityType][]PropertyMapping) *PropertyCodec {
	merged := DefaultPropertyMappings()
	for entityType, list := range mappings {
		merged[entityType] = append([]PropertyMapping(nil), list...)
	}
	return &PropertyCodec{mappings: merged}
}

func (c *PropertyCodec) mapping(entityType EntityType, field string) (PropertyMapping, bool) {
	for _, m := range c.mappings[entityType] {
		if m.Field == field {
			return m, true
		}
	}
	return PropertyMapping{}, false
}

// Decode turns a page object into a snapshot. Properties without a mapping are ignored.
func (c *PropertyCodec) Decode(entityType EntityType, page map[string]any) Snapshot {
	snap := Snapshot{}
	if id, ok := page["id"].(string); ok {
		snap[FieldID] = id
	}
	if edited, ok := page["last_edited_time"].(string); ok {
		snap[DefaultLastModifiedField] = edited
	}
	props, _ := page["properties"].(map[string]any)
	for _, m := range c.mappings[entityType] {
		raw, ok := props[m.Property].(map[string]any)
		if !ok {
			continue
		}
		snap[m.Field] = decodeProperty(m, raw)
	}
	return snap
}

func decodeProperty(m PropertyMapping, raw map[string]any) any {
	kind := PropertyKind(stringValue(raw["type"]))
	if kind == "" {
		kind = m.Kind
	}
	value := raw[string(kind)]
	switch kind {
	case PropertyTitle, PropertyRichText:
		return plainText(value)
	case PropertyNumber, PropertyCheckbox, PropertyURL, PropertyEmail:
		return value
	case PropertySelect, PropertyStatus:
		option, _ := value.(map[string]any)
		if option == nil {
			return nil
		}
		return stringValue(option["name"])
	case PropertyMultiSelect:
		names := []any{}
		for _, option := range asList(value) {
			if opt, ok := option.(map[string]any); ok {
				names = append(names, stringValue(opt["name"]))
			}
		}
		return names
	case PropertyDate:
		date, _ := value.(map[string]any)
		if date == nil {
			return nil
		}
		return map[string]any{"start": date["start"], "end": date["end"]}
	case PropertyRelation, PropertyPeople:
		ids := []any{}
		for _, ref := range asList(value) {
			if obj, ok := ref.(map[string]any); ok {
				if id := stringValue(obj["id"]); id != "" {
					ids = append(ids, id)
				}
			}
		}
		if m.Single {
			if len(ids) == 0 {
				return nil
			}
			return ids[0]
		}
		return ids
	case PropertyFormula, PropertyRollup:
		computed, _ := value.(map[string]any)
		if computed == nil {
			return nil
		}
		switch stringValue(computed["type"]) {
		case "number":
			return computed["number"]
		case "string":
			return computed["string"]
		case "boolean":
			return computed["boolean"]
		case "date":
			return decodeProperty(PropertyMapping{Kind: PropertyDate}, map[string]any{"type": "date", "date": computed["date"]})
		}
		return nil
	default:
		return value
	}
}

// Encode turns a write payload into a properties object. Fields without a mapping and
// computed properties are skipped.
func (c *PropertyCodec) Encode(entityType EntityType, payload map[string]any) (map[string]any, error) {
	props := map[string]any{}
	for field, value := range payload {
		m, ok := c.mapping(entityType, field)
		if !ok || m.readOnly() {
			continue
		}
		encoded, err := encodeProperty(m, value)
		if err != nil {
			return nil, err
		}
		props[m.Property] = encoded
	}
	return props, nil
}

func encodeProperty(m PropertyMapping, value any) (any, error) {
	switch m.Kind {
	case PropertyTitle, PropertyRichText:
		text := ""
		if value != nil {
			text = fmt.Sprint(value)
		}
		return map[string]any{string(m.Kind): []any{map[string]any{"text": map[string]any{"content": text}}}}, nil
	case PropertyNumber, PropertyCheckbox, PropertyURL, PropertyEmail:
		return map[string]any{string(m.Kind): value}, nil
	case PropertySelect, PropertyStatus:
		if value == nil || value == "" {
			return map[string]any{string(m.Kind): nil}, nil
		}
		return map[string]any{string(m.Kind): map[string]any{"name": fmt.Sprint(value)}}, nil
	case PropertyMultiSelect:
		options := []any{}
		for _, name := range (Snapshot{"v": value}).StringSlice("v") {
			options = append(options, map[string]any{"name": name})
		}
		return map[string]any{string(m.Kind): options}, nil
	case PropertyDate:
		if value == nil {
			return map[string]any{"date": nil}, nil
		}
		period, ok := asObject(value)
		if !ok {
			return map[string]any{"date": map[string]any{"start": fmt.Sprint(value)}}, nil
		}
		return map[string]any{"date": map[string]any{"start": period["start"], "end": period["end"]}}, nil
	case PropertyRelation, PropertyPeople:
		refs := []any{}
		for _, id := range (Snapshot{"v": value}).StringSlice("v") {
			refs = append(refs, map[string]any{"id": id})
		}
		return map[string]any{string(m.Kind): refs}, nil
	default:
		return nil, invalidInput("property kind cannot be written", "property", m.Property)
	}
}

// filterFor builds a database query filter clause for one equality match.
func (c *PropertyCodec) filterFor(entityType EntityType, field string, value any) (map[string]any, error) {
	m, ok := c.mapping(entityType, field)
	if !ok {
		return nil, invalidInput("no property mapping for filter field", "field", field)
	}
	var condition map[string]any
	switch m.Kind {
	case PropertyTitle, PropertyRichText, PropertyURL, PropertyEmail:
		condition = map[string]any{"equals": fmt.Sprint(value)}
	case PropertyNumber, PropertyCheckbox, PropertySelect, PropertyStatus:
		condition = map[string]any{"equals": value}
	case PropertyMultiSelect, PropertyRelation, PropertyPeople:
		condition = map[string]any{"contains": fmt.Sprint(value)}
	default:
		return nil, invalidInput("property kind cannot be filtered", "field", field)
	}
	return map[string]any{"property": m.Property, string(m.Kind): condition}, nil
}

func plainText(value any) string {
	var b strings.Builder
	for _, part := range asList(value) {
		obj, ok := part.(map[string]any)
		if !ok {
			continue
		}
		if text, ok := obj["plain_text"].(string); ok {
			b.WriteString(text)
			continue
		}
		if inner, ok := obj["text"].(map[string]any); ok {
			b.WriteString(stringValue(inner["content"]))
		}
	}
	return b.String()
}

func asList(value any) []any {
	list, _ := value.([]any)
	return list
}

func stringValue(value any) string {
	s, _ := value.(string)
	return s
}
