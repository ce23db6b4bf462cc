package main

import "postparser/internal/app"

func main() {
	app.Main()
}
