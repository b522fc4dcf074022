package demo

import (
	"context"
	"fmt"

	"github.com/oriys/quasar/internal/bindings"
	"github.com/oriys/quasar/internal/functions"
)

func storageModule() *functions.Module {
	return &functions.Module{
		Name: "storage",
		Entries: map[string]functions.EntryPoint{
			// Blob clients are deferred bindings: they need the
			// DeferredBindings capability and open the object store on first
			// use.
			"Archive": {
				Signature: functions.Signature{
					Params: []functions.Param{
						{Name: "src", Type: bindings.TypeBlobClient},
						{Name: "db", Type: bindings.TypeSQLClient},
					},
					Return: bindings.TypeInt64,
					Async:  true,
				},
				Call: archive,
			},
		},
	}
}

// archive records the size of a blob in the archive table.
func archive(ctx context.Context, args *functions.Args) (any, error) {
	src, _ := functions.Arg[*bindings.BlobClient](args, "src")
	db, _ := functions.Arg[*bindings.SQLClient](args, "db")
	if src == nil || db == nil {
		return nil, fmt.Errorf("archive needs a blob and a database binding")
	}

	data, err := src.Download(ctx)
	if err != nil {
		return nil, fmt.Errorf("download %s/%s: %w", src.Container, src.Name, err)
	}
	if _, err := db.Exec(ctx,
		"INSERT INTO archive (container, name, size) VALUES ($1, $2, $3)",
		src.Container, src.Name, len(data)); err != nil {
		return nil, fmt.Errorf("record archive entry: %w", err)
	}
	return int64(len(data)), nil
}
