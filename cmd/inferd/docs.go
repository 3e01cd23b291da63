package main

// General API documentation for swaggo. Build with -tags=swagger to serve
// the UI under /swagger/.
//
// @title           inferd API
// @version         1.0
// @description     HTTP API for local model inference with prompt caching.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
