package main

// General API documentation for swaggo.
//
// @title           landmarkd API
// @version         1.0
// @description     Model lifecycle, admission control and batch landmark detection over video.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
