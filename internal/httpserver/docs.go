package httpserver

import _ "embed"

//go:embed apidocs.swagger.json
var openAPISpec []byte
