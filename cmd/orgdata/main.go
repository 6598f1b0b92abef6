// Command orgdata imports and exports organizational records from the shell.
//
//	orgdata import org.yaml
//	orgdata import --dry-run ./units-csv/
//	orgdata export --format csv --kinds units --output ./out
package main

func main() {
	Execute()
}
