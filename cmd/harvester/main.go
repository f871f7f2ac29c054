// Command harvester collects marketplace catalog listings into a normalized report.
package main

import "github.com/alekkss/avito/cmd"

func main() {
	cmd.Execute()
}
