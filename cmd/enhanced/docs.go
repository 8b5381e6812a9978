package main

// General API documentation for swaggo. The document served with
// -tags=swagger is maintained in internal/httpapi/swagger.go.
//
// @title           enhanced API
// @version         1.0
// @description     HTTP API for local image enhancement: models, jobs, artifacts and compare views.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
