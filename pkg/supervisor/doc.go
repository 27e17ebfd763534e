// Package supervisor implements the node supervisor (Task Manager): it
// owns this node's child processes, its peer links to other nodes, and
// its link to the cluster head, driving one cooperative tick per frame
// with every handler dispatched from the same main loop.
package supervisor
