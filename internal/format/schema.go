package format

import (
	"fmt"
	"strings"
)

// The upstream schema validator accepts only a narrow JSON Schema
// subset. SanitizeToolSchema reduces an arbitrary tool schema to that
// subset in two passes: an allowlist pass that keeps known-safe fields,
// then a flattening pass that folds composition keywords (allOf, anyOf,
// oneOf, $ref, type arrays) into single schemas with description hints
// so the information is not silently lost.

var allowedSchemaFields = map[string]bool{
	"type":        true,
	"description": true,
	"properties":  true,
	"required":    true,
	"items":       true,
	"enum":        true,
	"title":       true,
	"allOf":       true,
	"anyOf":       true,
	"oneOf":       true,
	"$ref":        true,
	"minLength":   true,
	"maxLength":   true,
	"pattern":     true,
	"minimum":     true,
	"maximum":     true,
	"minItems":    true,
	"maxItems":    true,
	"format":      true,
}

// keywords removed after flattening
var strippedSchemaFields = []string{
	"allOf", "anyOf", "oneOf", "$ref", "title",
	"minLength", "maxLength", "pattern", "format",
	"minimum", "maximum", "minItems", "maxItems",
}

// SanitizeToolSchema converts a tool's input schema to the upstream's
// dialect. A nil or empty schema gets a placeholder property because
// the API rejects parameterless objects.
func SanitizeToolSchema(schema map[string]interface{}) map[string]interface{} {
	if len(schema) == 0 {
		return placeholderObjectSchema()
	}
	sanitized := allowlistSchema(schema)
	return flattenSchema(sanitized)
}

func placeholderObjectSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "OBJECT",
		"properties": map[string]interface{}{
			"reason": map[string]interface{}{
				"type":        "STRING",
				"description": "Reason for calling this tool",
			},
		},
		"required": []interface{}{"reason"},
	}
}

// allowlistSchema keeps only permitted fields, converting const to a
// one-element enum.
func allowlistSchema(schema map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{})

	for key, value := range schema {
		if key == "const" {
			out["enum"] = []interface{}{value}
			continue
		}
		if !allowedSchemaFields[key] {
			continue
		}
		out[key] = mapSubschemas(key, value, allowlistSchema)
	}

	if _, ok := out["type"]; !ok && out["$ref"] == nil {
		out["type"] = "object"
	}
	return out
}

// mapSubschemas applies fn to every nested schema under the given key
func mapSubschemas(key string, value interface{}, fn func(map[string]interface{}) map[string]interface{}) interface{} {
	switch key {
	case "properties":
		props, ok := value.(map[string]interface{})
		if !ok {
			return value
		}
		next := make(map[string]interface{}, len(props))
		for name, prop := range props {
			if propMap, ok := prop.(map[string]interface{}); ok {
				next[name] = fn(propMap)
			} else {
				next[name] = prop
			}
		}
		return next
	case "items":
		if itemMap, ok := value.(map[string]interface{}); ok {
			return fn(itemMap)
		}
		if itemArr, ok := value.([]interface{}); ok {
			next := make([]interface{}, 0, len(itemArr))
			for _, item := range itemArr {
				if itemMap, ok := item.(map[string]interface{}); ok {
					next = append(next, fn(itemMap))
				} else {
					next = append(next, item)
				}
			}
			return next
		}
		return value
	case "allOf", "anyOf", "oneOf":
		arr, ok := value.([]interface{})
		if !ok {
			return value
		}
		next := make([]interface{}, 0, len(arr))
		for _, item := range arr {
			if itemMap, ok := item.(map[string]interface{}); ok {
				next = append(next, fn(itemMap))
			} else {
				next = append(next, item)
			}
		}
		return next
	default:
		return value
	}
}

// flattenSchema resolves composition keywords bottom-up, moves dropped
// constraints into description hints, validates required, and converts
// type names to Google's uppercase form.
func flattenSchema(schema map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(schema))
	for k, v := range schema {
		out[k] = v
	}

	// $ref cannot be resolved without definitions; degrade to a hint
	if ref, ok := out["$ref"].(string); ok {
		parts := strings.Split(ref, "/")
		return map[string]interface{}{
			"type":        "OBJECT",
			"description": withHint(out, "See: "+parts[len(parts)-1]),
		}
	}

	out = mergeAllOf(out)
	out = pickUnionBranch(out)
	out = flattenTypeList(out)
	out = hintConstraints(out)

	for _, key := range strippedSchemaFields {
		delete(out, key)
	}

	// Recurse into children after composition is resolved
	if props, ok := out["properties"]; ok {
		out["properties"] = mapSubschemas("properties", props, flattenSchema)
	}
	if items, ok := out["items"]; ok {
		out["items"] = mapSubschemas("items", items, flattenSchema)
	}

	out = pruneRequired(out)

	if t, ok := out["type"].(string); ok {
		out["type"] = googleTypeName(t)
	}

	// Parameterless objects need the placeholder property
	if out["type"] == "OBJECT" {
		props, _ := out["properties"].(map[string]interface{})
		if len(props) == 0 {
			placeholder := placeholderObjectSchema()
			out["properties"] = placeholder["properties"]
			out["required"] = placeholder["required"]
		}
	}

	return out
}

// mergeAllOf folds allOf branches into the parent: properties union,
// required union, parent fields win elsewhere.
func mergeAllOf(schema map[string]interface{}) map[string]interface{} {
	branches, ok := schema["allOf"].([]interface{})
	if !ok || len(branches) == 0 {
		return schema
	}

	mergedProps := make(map[string]interface{})
	requiredSet := make(map[string]bool)
	if props, ok := schema["properties"].(map[string]interface{}); ok {
		for k, v := range props {
			mergedProps[k] = v
		}
	}
	for _, name := range requiredNames(schema) {
		requiredSet[name] = true
	}

	for _, branch := range branches {
		sub, ok := branch.(map[string]interface{})
		if !ok {
			continue
		}
		if props, ok := sub["properties"].(map[string]interface{}); ok {
			for k, v := range props {
				if _, exists := mergedProps[k]; !exists {
					mergedProps[k] = v
				}
			}
		}
		for _, name := range requiredNames(sub) {
			requiredSet[name] = true
		}
		for k, v := range sub {
			if k == "properties" || k == "required" {
				continue
			}
			if _, exists := schema[k]; !exists {
				schema[k] = v
			}
		}
	}

	delete(schema, "allOf")
	if len(mergedProps) > 0 {
		schema["properties"] = mergedProps
	}
	if len(requiredSet) > 0 {
		names := make([]interface{}, 0, len(requiredSet))
		for name := range requiredSet {
			names = append(names, name)
		}
		schema["required"] = names
	}
	return schema
}

// pickUnionBranch collapses anyOf/oneOf to the most informative branch,
// recording the alternatives as a description hint.
func pickUnionBranch(schema map[string]interface{}) map[string]interface{} {
	for _, key := range []string{"anyOf", "oneOf"} {
		options, ok := schema[key].([]interface{})
		if !ok || len(options) == 0 {
			continue
		}

		var best map[string]interface{}
		bestScore := -1
		var typeNames []string
		for _, option := range options {
			sub, ok := option.(map[string]interface{})
			if !ok {
				continue
			}
			if t, ok := sub["type"].(string); ok && t != "null" {
				typeNames = append(typeNames, t)
			} else if sub["properties"] != nil {
				typeNames = append(typeNames, "object")
			}
			if score := branchScore(sub); score > bestScore {
				bestScore = score
				best = sub
			}
		}

		delete(schema, key)
		if best == nil {
			continue
		}
		for k, v := range best {
			_, exists := schema[k]
			if !exists || k == "type" || k == "properties" || k == "items" {
				schema[k] = v
			}
		}
		if uniq := uniqueStrings(typeNames); len(uniq) > 1 {
			schema["description"] = withHint(schema, "Accepts: "+strings.Join(uniq, " | "))
		}
	}
	return schema
}

// branchScore prefers structured branches over scalars
func branchScore(schema map[string]interface{}) int {
	if schema["type"] == "object" || schema["properties"] != nil {
		return 3
	}
	if schema["type"] == "array" || schema["items"] != nil {
		return 2
	}
	if t, ok := schema["type"].(string); ok && t != "null" {
		return 1
	}
	return 0
}

// flattenTypeList reduces ["string","null"] style types to the first
// non-null entry, hinting at nullability.
func flattenTypeList(schema map[string]interface{}) map[string]interface{} {
	typeArr, ok := schema["type"].([]interface{})
	if !ok {
		return schema
	}

	hasNull := false
	var nonNull []string
	for _, t := range typeArr {
		if s, ok := t.(string); ok {
			if s == "null" {
				hasNull = true
			} else {
				nonNull = append(nonNull, s)
			}
		}
	}

	picked := "string"
	if len(nonNull) > 0 {
		picked = nonNull[0]
	}
	schema["type"] = picked
	if len(nonNull) > 1 {
		schema["description"] = withHint(schema, "Accepts: "+strings.Join(nonNull, " | "))
	}
	if hasNull {
		schema["description"] = withHint(schema, "nullable")
	}
	return schema
}

// hintConstraints preserves dropped validation keywords as description
// text
func hintConstraints(schema map[string]interface{}) map[string]interface{} {
	for _, key := range []string{"minLength", "maxLength", "pattern", "minimum", "maximum", "minItems", "maxItems", "format"} {
		if value, ok := schema[key]; ok {
			schema["description"] = withHint(schema, fmt.Sprintf("%s: %v", key, value))
		}
	}
	return schema
}

// pruneRequired drops required names that have no matching property
func pruneRequired(schema map[string]interface{}) map[string]interface{} {
	required, ok := schema["required"].([]interface{})
	if !ok {
		return schema
	}
	props, _ := schema["properties"].(map[string]interface{})

	kept := make([]interface{}, 0, len(required))
	for _, name := range required {
		if s, ok := name.(string); ok {
			if _, defined := props[s]; defined {
				kept = append(kept, s)
			}
		}
	}
	if len(kept) == 0 {
		delete(schema, "required")
	} else {
		schema["required"] = kept
	}
	return schema
}

func requiredNames(schema map[string]interface{}) []string {
	arr, ok := schema["required"].([]interface{})
	if !ok {
		return nil
	}
	names := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok {
			names = append(names, s)
		}
	}
	return names
}

func withHint(schema map[string]interface{}, hint string) string {
	if desc, ok := schema["description"].(string); ok && desc != "" {
		return desc + " (" + hint + ")"
	}
	return hint
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// googleTypeName maps JSON Schema type names to Google's uppercase form
func googleTypeName(name string) string {
	switch strings.ToLower(name) {
	case "string", "null":
		return "STRING"
	case "number":
		return "NUMBER"
	case "integer":
		return "INTEGER"
	case "boolean":
		return "BOOLEAN"
	case "array":
		return "ARRAY"
	case "object":
		return "OBJECT"
	default:
		return strings.ToUpper(name)
	}
}
