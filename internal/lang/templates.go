package lang

import "fmt"

const pythonInitial = `# Managed program - initial version
import json
import logging

logger = logging.getLogger("managed_program")


def main():
    logger.info("managed program running initial version")
    return {"status": "initialized", "actions": []}


if __name__ == "__main__":
    print(json.dumps(main()))
`

const goInitial = `// Managed program - initial version
package main

import (
	"encoding/json"
	"os"
)

func main() {
	result := map[string]any{"status": "initialized", "actions": []string{}}
	_ = json.NewEncoder(os.Stdout).Encode(result)
}
`

const jsInitial = `// Managed program - initial version
function main() {
  return { status: "initialized", actions: [] };
}

console.log(JSON.stringify(main()));
`

func pythonIntrospection(stamp string) string {
	return fmt.Sprintf(`def introspect():
    import platform
    import time
    return {
        "platform": platform.platform(),
        "python_version": platform.python_version(),
        "processor": platform.processor(),
        "evolved_at": %q,
        "timestamp": time.time(),
    }
`, stamp)
}

func goIntrospection(stamp string) string {
	return fmt.Sprintf(`func fallbackIntrospect() map[string]string {
	return map[string]string{"evolved_at": %q, "mode": "fallback"}
}
`, stamp)
}

func jsIntrospection(stamp string) string {
	return fmt.Sprintf(`function introspect() {
  return { platform: process.platform, node: process.version, evolvedAt: %q };
}
`, stamp)
}
