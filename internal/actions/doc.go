// Package actions implements the stage kinds a pipeline may use:
//
//   - shell: `sh -c <run>` in the run workspace
//   - checkout: clone a repository at the run ref (go-git)
//   - scan: static-analysis scanner plus quality-gate poll
//   - publish: publish a workspace artifact to the release store
//   - deploy: hand a release to the deployment controller
//   - automation: host-automation playbook with a generated vars file
//   - verify: HTTP health probe of the served process
//
// Each action reads only the stage.Context and its With arguments, writes
// human-readable progress to the supplied writer, and reports failure by
// returning an error. Subprocess actions go through stage.RunCommand so the
// executor's termination rules apply uniformly.
package actions
