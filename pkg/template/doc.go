/*
Package template loads named container specifications from disk and renders
them with a substitution context.

A template file is a JSON object whose string values may carry pongo2
placeholders, with a `template` member naming it and declaring the port
count and post-create commands:

	{
	  "template": {"name": "cs135-f23", "ports": 3,
	               "commands": [["/usr/local/bin/setup", "{{ environment.user.username }}"]]},
	  "name": "{{ environment.instance.name }}",
	  "devices": { ... },
	  "config": { ... }
	}

Render substitutes the `{environment, ports}` context into the whole
JSON-serialized form; the result decodes into the spec handed to the host
driver. Malformed files are skipped at load, never fatal.
*/
package template
