package workspace

import "github.com/docker/docker/api/types/filters"

func volumeLabelFilter() filters.Args {
	f := filters.NewArgs()
	f.Add("label", namespaceLabel+"=true")
	return f
}
