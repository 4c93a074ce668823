// Package stages provides the configurable stage kinds available to
// pipeline definitions.
//
// Register adds them to a pipeline.Registry. A stage spec selects a kind
// and binds its parameters from the with block:
//
//	stages:
//	  - name: active-only
//	    kind: filter
//	    with:
//	      rules:
//	        - {field: status, operator: eq, value: active}
//
// Kinds:
//
//   - filter: spawn that emits the payload when its rules match, nothing otherwise
//   - map: step that renames, transforms, adds and removes fields
//   - split: spawn that emits one item per element of an array field
//   - combine: collector member that gathers named slots into one object
//   - store: step that writes the payload to the storage capability, or loads a value into it
//   - log: pass-through step that logs the payload
//
// Payloads are JSON objects (map[string]any). Typed payloads are converted
// through their JSON form.
package stages
