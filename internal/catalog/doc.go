// Package catalog binds entity kinds to their fields and capability facets.
//
// Defining a kind registers its base fields followed by the fields of each
// facet, in declaration order, and resolves the facet bindings once. After
// Freeze the catalog and its field registry are read-only.
//
// Catalogs can be built in Go (Builtin, Default) or declared in CUE:
//
//	kind: text_channel: {
//	    facets: ["slowmode", "parented"]
//	    fields: {
//	        name:     {type: "string", copy: "always"}
//	        position: {type: "int"}
//	    }
//	}
package catalog
