package cmd

import (
	"fmt"
)

const banner = `
   _____          _   _  __                         
  / ____|        | | | |/ /                         
 | |     ___ _ __| |_| ' / ___  ___ _ __   ___ _ __ 
 | |    / _ \ '__| __|  < / _ \/ _ \ '_ \ / _ \ '__|
 | |____  __/ |  | |_| . \  __/  __/ |_) |  __/ |   
  \_____\___|_|   \__|_|\_\___|\___| .__/ \___|_|   
                                   | |              
                                   |_|              
`

func printBanner() {
	fmt.Printf("\x1b[34m%s\x1b[0m", banner)
	fmt.Printf("\x1b[32m  Certificate Lifecycle Manager - Version %s\x1b[0m\n\n", Version)
}
