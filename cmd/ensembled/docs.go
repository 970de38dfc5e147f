package main

// General API documentation for swaggo. Run `make swagger-gen` to generate docs.
//
// @title           ensembled API
// @version         1.0
// @description     Rotation scheduling and telemetry for embedding-model ensembles.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
