package main

// version is the release identifier reported by -V.
const version = "0.3.0"

func main() {
	runServe()
}
