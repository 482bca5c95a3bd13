package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"os"

	"github.com/viniciushammett/mqtt-auth-detector/internal/store"
)

// Exporta os registros brutos do BoltDB para CSV, pronto para `train --input`.
func main() {
	var (
		dbPath  = flag.String("db", "data/mqtt-auth.db", "caminho do BoltDB")
		outPath = flag.String("out", "records.csv", "arquivo CSV de saída")
	)
	flag.Parse()

	st, err := store.Open(*dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "erro ao abrir db: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	tbl, err := st.Table()
	if err != nil {
		fmt.Fprintf(os.Stderr, "erro ao ler registros: %v\n", err)
		os.Exit(1)
	}

	f, err := os.Create(*outPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "erro ao criar arquivo: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(tbl.Header); err != nil {
		fmt.Fprintf(os.Stderr, "erro ao escrever cabeçalho: %v\n", err)
		os.Exit(1)
	}
	row := make([]string, len(tbl.Header))
	for _, r := range tbl.Rows {
		for i, col := range tbl.Header {
			row[i] = r[col]
		}
		if err := w.Write(row); err != nil {
			fmt.Fprintf(os.Stderr, "erro ao escrever linha: %v\n", err)
			os.Exit(1)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		fmt.Fprintf(os.Stderr, "erro ao finalizar csv: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Exportados %d registros para %s\n", len(tbl.Rows), *outPath)
}
