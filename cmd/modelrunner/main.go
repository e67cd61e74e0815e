package main

import "github.com/aws-solutions-library-samples/osml-model-runner/cmd/modelrunner/cmd"

func main() {
	cmd.Execute()
}
