// autoresume resumes claude CLI sessions once a usage limit resets.
package main

import (
	"os"

	// Reset notices name IANA zones; embed the database for hosts without one.
	_ "time/tzdata"

	"github.com/autoresume/autoresume/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
